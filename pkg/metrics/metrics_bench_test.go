package metrics

import (
	"testing"
	"time"
)

func BenchmarkRecordCircuitBuild(b *testing.B) {
	m := New()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordCircuitBuild(true, 2*time.Second)
	}
}

func BenchmarkRecordSample(b *testing.B) {
	m := New()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordSample(true, 50*time.Millisecond)
	}
}

func BenchmarkRecordPair(b *testing.B) {
	m := New()
	rtt := 0.05

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordPair(&rtt)
	}
}

func BenchmarkRecordCacheLookup(b *testing.B) {
	m := New()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordCacheLookup(3, i%2 == 0)
	}
}

func BenchmarkGather(b *testing.B) {
	m := New()
	m.RecordCircuitBuild(true, time.Second)
	m.RecordSample(true, 10*time.Millisecond)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.Registry.Gather(); err != nil {
			b.Fatalf("Gather: %v", err)
		}
	}
}
