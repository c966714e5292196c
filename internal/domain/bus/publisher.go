package bus

import (
	"context"
	"fmt"

	"github.com/GriffinCanCode/flightbus/internal/domain/events"
	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/bytedance/sonic"
)

// eventPublisher republishes events as bus messages
type eventPublisher struct {
	bus   *Bus
	msgID msg.ID
}

// EventPublisher returns a Publisher that transmits each event on msgID as
// the task that raised it. Events reported while that transmit is running
// are stopped by the reentrancy guard.
func (b *Bus) EventPublisher(msgID msg.ID) events.Publisher {
	return &eventPublisher{bus: b, msgID: msgID}
}

func (p *eventPublisher) PublishEvent(ev events.Event) error {
	body, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	c := &Client{bus: p.bus, task: ev.TaskID}
	if t, ok := p.bus.apps.GetTask(ev.TaskID); ok {
		c.app = t.AppID
	}

	report, err := c.TransmitMsg(context.Background(), msg.NewMessage(p.msgID, body))
	if err != nil {
		return err
	}
	return report.Err()
}
