package idempotency

import "testing"

func TestJobID32V1_Deterministic(t *testing.T) {
	t.Parallel()

	a := JobID32V1("job-1")
	b := JobID32V1("job-1")
	if a != b {
		t.Fatalf("JobID32V1 not deterministic: %s != %s", a.Hex(), b.Hex())
	}
}

func TestJobID32V1_DistinctInputs(t *testing.T) {
	t.Parallel()

	a := JobID32V1("job-1")
	b := JobID32V1("job-2")
	if a == b {
		t.Fatalf("JobID32V1 collided for distinct inputs")
	}
}
