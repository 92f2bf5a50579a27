package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetError records err on span and marks the span failed. A nil err is ignored.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if err == nil {
		return
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// SetErrorPoint is SetError for a failure persisted under an error point.
func SetErrorPoint(span trace.Span, point string, err error) {
	span.SetAttributes(attribute.String(ErrorPointKey, point))
	SetError(span, err, attribute.String(ErrorPointKey, point))
}
