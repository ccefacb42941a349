package redpanda

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-pharmatrace/internal/ledger"
)

func sealedEvent() ledger.CustodyEvent {
	ev := ledger.CustodyEvent{
		BatchID:   "BATCH001",
		Kind:      ledger.EventTransferred,
		From:      "0xMFG",
		To:        "0xDIST",
		Status:    ledger.StatusActive,
		Timestamp: time.Unix(1735689600, 0).UTC(),
		Location:  "Warehouse B",
		Note:      "shipped",
	}
	ledger.Seal(&ev, nil)
	return ev
}

func TestCustodyMessage_RoundTrip(t *testing.T) {
	ev := sealedEvent()
	raw, err := json.Marshal(NewCustodyMessage(ev))
	require.NoError(t, err)

	got, err := DecodeCustodyMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestCustodyMessage_RejectsAlteredPayload(t *testing.T) {
	m := NewCustodyMessage(sealedEvent())
	m.To = "0xMALLORY"
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	_, err = DecodeCustodyMessage(raw)
	assert.ErrorIs(t, err, ledger.ErrTampered)

	_, err = DecodeCustodyMessage([]byte("{not json"))
	assert.Error(t, err)
}

func TestTraceHeaders_PropagateSpanContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Topic: TopicCustodyEvents}
	injectTraceHeaders(ctx, record)
	require.NotEmpty(t, headerCarrier{record}.Get("traceparent"))

	remote := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	assert.Equal(t, traceID, remote.TraceID())
	assert.Equal(t, spanID, remote.SpanID())
	assert.True(t, remote.IsRemote())
}

func TestHeaderCarrier_SetReplaces(t *testing.T) {
	record := &kgo.Record{}
	c := headerCarrier{record}
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	assert.Len(t, record.Headers, 1)
	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
}
