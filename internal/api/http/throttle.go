package http

import "github.com/GriffinCanCode/flightbus/internal/domain/router"

func throttle(start, max int) *router.Throttle {
	return &router.Throttle{StartIndex: start, MaxLoop: max}
}
