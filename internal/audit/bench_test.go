package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

var benchEntry = Entry{
	Kind:         KindGovernanceDecision,
	DecisionID:   "gd-bench",
	Summary:      "APPROVE",
	RulesVersion: "sha256:bench",
}

func BenchmarkAppend_Single(b *testing.B) {
	al, err := Open(filepath.Join(b.TempDir(), "bench.jsonl"))
	if err != nil {
		b.Fatal(err)
	}
	defer al.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		al.Append(ctx, benchEntry)
	}
}

func BenchmarkAppend_SQLite(b *testing.B) {
	s, err := OpenSQLite(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Append(ctx, benchEntry)
	}
}

func benchVerify(b *testing.B, n int) {
	b.Helper()
	path := filepath.Join(b.TempDir(), "bench.jsonl")
	al, err := Open(path)
	if err != nil {
		b.Fatal(err)
	}
	for i := 0; i < n; i++ {
		al.Append(context.Background(), benchEntry)
	}
	al.Close()

	info, _ := os.Stat(path)
	b.ResetTimer()
	b.SetBytes(info.Size())

	for i := 0; i < b.N; i++ {
		result := Verify(path)
		if !result.Valid {
			b.Fatal("invalid chain:", result.Error)
		}
	}
}

func BenchmarkVerify_1000(b *testing.B) {
	benchVerify(b, 1000)
}

func BenchmarkVerify_10000(b *testing.B) {
	benchVerify(b, 10000)
}
