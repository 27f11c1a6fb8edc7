package patch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func modelServer(t *testing.T, responses ...string) *httptest.Server {
	t.Helper()
	i := 0
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		resp := responses[i]
		if i < len(responses)-1 {
			i++
		}
		json.NewEncoder(w).Encode(generateResponse{Response: resp})
	}))
}

func TestModelProposeParsesJSON(t *testing.T) {
	dir := workdirWith(t, map[string]string{"pricing.py": pricingSource})
	answer, _ := json.Marshal(modelProposal{
		Title:     "Fix rounding",
		Rationale: "truncation drops a cent",
		Diff:      sampleDiff,
	})
	srv := modelServer(t, string(answer))
	defer srv.Close()

	p := NewModelProposer(srv.URL, "test-model")
	prop, err := p.Propose(context.Background(), Request{Ticket: "rounding", WorkingCopy: dir})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if prop.Title != "Fix rounding" {
		t.Errorf("title = %q", prop.Title)
	}
	if err := Validate(prop.Diff, dir); err != nil {
		t.Errorf("returned diff fails validation: %v", err)
	}
}

func TestModelProposeAcceptsBareDiff(t *testing.T) {
	dir := workdirWith(t, map[string]string{"pricing.py": pricingSource})
	srv := modelServer(t, "```diff\n"+sampleDiff+"```")
	defer srv.Close()

	p := NewModelProposer(srv.URL, "test-model")
	prop, err := p.Propose(context.Background(), Request{Ticket: "rounding", WorkingCopy: dir})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if prop.Diff == "" {
		t.Error("no diff extracted from fenced output")
	}
}

func TestModelProposeRetriesOnceThenMalformed(t *testing.T) {
	dir := workdirWith(t, map[string]string{"pricing.py": pricingSource})
	srv := modelServer(t, "I cannot help with that.", "Still just prose.")
	defer srv.Close()

	p := NewModelProposer(srv.URL, "test-model")
	_, err := p.Propose(context.Background(), Request{Ticket: "rounding", WorkingCopy: dir})
	var perr *ProposalError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want ProposalError", err)
	}
	if perr.Reason != ReasonMalformedDiff {
		t.Errorf("reason = %q, want %q", perr.Reason, ReasonMalformedDiff)
	}
}

func TestModelProposeRecoversOnRetry(t *testing.T) {
	dir := workdirWith(t, map[string]string{"pricing.py": pricingSource})
	good, _ := json.Marshal(modelProposal{Title: "fix", Diff: sampleDiff})
	srv := modelServer(t, "garbage first answer", string(good))
	defer srv.Close()

	p := NewModelProposer(srv.URL, "test-model")
	prop, err := p.Propose(context.Background(), Request{Ticket: "rounding", WorkingCopy: dir})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if prop.Title != "fix" {
		t.Errorf("title = %q", prop.Title)
	}
}

func TestModelProposeBackendUnavailable(t *testing.T) {
	srv := modelServer(t, "unused")
	srv.Close() // refuse connections

	p := NewModelProposer(srv.URL, "test-model")
	_, err := p.Propose(context.Background(), Request{Ticket: "x", WorkingCopy: t.TempDir()})
	var perr *ProposalError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want ProposalError", err)
	}
	if perr.Reason != ReasonBackendUnavailable {
		t.Errorf("reason = %q, want %q", perr.Reason, ReasonBackendUnavailable)
	}
}

func TestModelProposeRejectsDiffForMissingFile(t *testing.T) {
	dir := workdirWith(t, nil) // pricing.py absent
	answer, _ := json.Marshal(modelProposal{Title: "fix", Diff: sampleDiff})
	srv := modelServer(t, string(answer))
	defer srv.Close()

	p := NewModelProposer(srv.URL, "test-model")
	_, err := p.Propose(context.Background(), Request{Ticket: "x", WorkingCopy: dir})
	var perr *ProposalError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want ProposalError", err)
	}
	if perr.Reason != ReasonMalformedDiff {
		t.Errorf("reason = %q, want %q", perr.Reason, ReasonMalformedDiff)
	}
}
