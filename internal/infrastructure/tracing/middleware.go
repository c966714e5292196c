package tracing

import (
	"strconv"

	"github.com/GriffinCanCode/flightbus/internal/shared/id"
	"github.com/gin-gonic/gin"
)

const (
	// HeaderTxnID carries the transaction id across HTTP requests
	HeaderTxnID = "X-Txn-ID"
	// HeaderSpanID carries the caller's span id
	HeaderSpanID = "X-Span-ID"
)

// HTTPMiddleware creates Gin middleware for HTTP tracing
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if txn := c.GetHeader(HeaderTxnID); txn != "" {
			ctx = WithTxnID(ctx, id.TxnID(txn))
		}
		if parent := c.GetHeader(HeaderSpanID); parent != "" {
			ctx = withSpanID(ctx, id.SpanID(parent))
		}

		span, ctx := tracer.StartSpan(ctx, c.FullPath())
		span.SetTag("http.method", c.Request.Method)
		span.SetTag("http.url", c.Request.URL.String())

		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderTxnID, span.TxnID.String())
		c.Header(HeaderSpanID, span.SpanID.String())

		c.Next()

		span.SetStatus(strconv.Itoa(c.Writer.Status()))
		if len(c.Errors) > 0 {
			span.SetError(c.Errors.Last())
		}
		span.Finish()
		tracer.Submit(span)
	}
}
