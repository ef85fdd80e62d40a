package benchmarks

import (
	"encoding/json"
	"testing"

	"github.com/randalmurphal/beacon/pkg/beacon/event"
	"github.com/randalmurphal/beacon/pkg/beacon/payload"
)

type fixedIdentity struct{}

func (fixedIdentity) AnonymousID() string { return "2f0c6a54-4f0e-4a8e-9d1c-3b1f6f9c8a01" }
func (fixedIdentity) UserID() string      { return "user-1" }

// BenchmarkEvent_Marshal measures the storage encoding of one event.
func BenchmarkEvent_Marshal(b *testing.B) {
	e := sampleEvents(1)[0]
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = json.Marshal(e)
	}
}

// BenchmarkEvent_Decode measures strict decoding of a stored event.
func BenchmarkEvent_Decode(b *testing.B) {
	data, err := json.Marshal(sampleEvents(1)[0])
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = event.Decode(data)
	}
}

// BenchmarkPayload_Single measures building a single-event request body.
func BenchmarkPayload_Single(b *testing.B) {
	builder := payload.NewBuilder(fixedIdentity{})
	e := sampleEvents(1)[0]
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = builder.Single(e)
	}
}

// BenchmarkPayload_Batch20 measures a full default-size batch body.
func BenchmarkPayload_Batch20(b *testing.B) {
	builder := payload.NewBuilder(fixedIdentity{})
	events := sampleEvents(20)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = builder.Batch(events)
	}
}
