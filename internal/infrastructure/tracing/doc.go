/*
Package tracing records a span per bus transaction and per diagnostics
request.

# Overview

Every transmit and receive transaction opens a span keyed by a ULID
transaction id. Spans nest through the context, so a transmit performed
inside a traced HTTP request shares the request's transaction id.

Finished spans are buffered (1000) and logged asynchronously by a single
collector goroutine. Spans that do not fit are dropped and counted.

# Usage

	tracer := tracing.New("flightbus", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "transmit")
	span.SetTag("msg_id", "0x0801")
	span.Finish()
	tracer.Submit(span)

# Propagation

X-Txn-ID carries the transaction id and X-Span-ID the caller's span id.
*/
package tracing
