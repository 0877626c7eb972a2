package audit

import (
	"bytes"
	"testing"

	"github.com/example/syncstream/pkg/relay"
)

func TestAppendAdvancesCommitment(t *testing.T) {
	log := New("hub-01")
	before := log.Commitment()

	rec, err := log.Append("cam-01", relay.CmdArm, 1, 1, OutcomeSealed, "")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	after := log.Commitment()

	if bytes.Equal(before, after) {
		t.Fatal("commitment did not change after Append")
	}
	if !bytes.Equal(rec.Commitment, after) {
		t.Fatal("returned record's commitment does not match log head")
	}
}

func TestCommitmentDependsOnOrder(t *testing.T) {
	logA := New("hub-01")
	logB := New("hub-01")

	if _, err := logA.Append("cam-01", relay.CmdArm, 1, 1, OutcomeSealed, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := logA.Append("cam-02", relay.CmdPing, 2, 1, OutcomeSealed, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := logB.Append("cam-02", relay.CmdPing, 2, 1, OutcomeSealed, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := logB.Append("cam-01", relay.CmdArm, 1, 1, OutcomeSealed, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if bytes.Equal(logA.Commitment(), logB.Commitment()) {
		t.Fatal("same entries in different order produced identical commitments")
	}
}

func TestDifferentDomainsProduceDifferentInitialCommitment(t *testing.T) {
	logA := New("hub-01")
	logB := New("hub-02")
	if bytes.Equal(logA.Commitment(), logB.Commitment()) {
		t.Fatal("different domains produced identical initial commitment")
	}
}

func TestRecordsReturnsAppendedEntriesInOrder(t *testing.T) {
	log := New("hub-01")
	if _, err := log.Append("cam-01", relay.CmdArm, 1, 1, OutcomeSealed, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := log.Append("cam-01", relay.CmdDisarm, 2, 1, OutcomeRejected, "rate_limited"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records := log.Records()
	if len(records) != 2 {
		t.Fatalf("Records() returned %d entries, want 2", len(records))
	}
	if records[0].Cmd != relay.CmdArm || records[1].Cmd != relay.CmdDisarm {
		t.Fatalf("Records() out of order: %+v", records)
	}
	if records[1].Reason != "rate_limited" {
		t.Fatalf("Records()[1].Reason = %q, want rate_limited", records[1].Reason)
	}
}
