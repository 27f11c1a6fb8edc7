package patch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ModelProposer asks an Ollama-compatible endpoint for a patch. The model
// output is never trusted: it is sanitised and validated like any other
// diff, and malformed output gets one retry before the step fails.
type ModelProposer struct {
	Endpoint string
	Model    string
	Client   *http.Client
}

// NewModelProposer creates the model-backed strategy.
func NewModelProposer(endpoint, model string) *ModelProposer {
	return &ModelProposer{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Model:    model,
		Client:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *ModelProposer) Name() string { return "model" }

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// modelProposal is the JSON shape the prompt asks the model to emit.
type modelProposal struct {
	Title     string `json:"title"`
	Rationale string `json:"rationale"`
	Diff      string `json:"diff"`
}

func (p *ModelProposer) Propose(ctx context.Context, req Request) (*Proposal, error) {
	prompt := p.buildPrompt(req, "")
	var lastDetail string
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := p.generate(ctx, prompt)
		if err != nil {
			return nil, &ProposalError{Strategy: p.Name(), Reason: ReasonBackendUnavailable, Detail: err.Error()}
		}
		prop, detail := p.parse(raw)
		if prop != nil {
			prop.Diff = Sanitize(prop.Diff)
			if err := Validate(prop.Diff, req.WorkingCopy); err != nil {
				lastDetail = err.Error()
				prompt = p.buildPrompt(req, lastDetail)
				continue
			}
			return prop, nil
		}
		lastDetail = detail
		prompt = p.buildPrompt(req, lastDetail)
	}
	reason := ReasonMalformedDiff
	if lastDetail == "empty diff" {
		reason = ReasonNoDiff
	}
	return nil, &ProposalError{Strategy: p.Name(), Reason: reason, Detail: lastDetail}
}

func (p *ModelProposer) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: p.Model, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.Endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call model endpoint: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read model response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var gr generateResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return "", fmt.Errorf("decode model response: %w", err)
	}
	return gr.Response, nil
}

// parse extracts a proposal from raw model output: a JSON object first,
// falling back to treating the whole output as a bare diff.
func (p *ModelProposer) parse(raw string) (*Proposal, string) {
	trimmed := strings.TrimSpace(raw)
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			var mp modelProposal
			if err := json.Unmarshal([]byte(trimmed[start:end+1]), &mp); err == nil && mp.Diff != "" {
				title := mp.Title
				if title == "" {
					title = "Model-proposed fix"
				}
				return &Proposal{Title: title, Rationale: mp.Rationale, Diff: mp.Diff}, ""
			}
		}
	}
	if diff := Sanitize(trimmed); strings.Contains(diff, "+++ ") {
		return &Proposal{Title: "Model-proposed fix", Diff: diff}, ""
	}
	if trimmed == "" {
		return nil, "empty diff"
	}
	return nil, "model output is neither a proposal object nor a unified diff"
}

func (p *ModelProposer) buildPrompt(req Request, previousProblem string) string {
	var b strings.Builder
	b.WriteString("You fix bugs by producing a minimal unified diff.\n\n")
	fmt.Fprintf(&b, "Ticket:\n%s\n\n", req.Ticket)
	if len(req.Signals) > 0 {
		b.WriteString("Observed failures:\n")
		for _, s := range req.Signals {
			fmt.Fprintf(&b, "- [%s] %s\n", s.Kind, s.Summary)
		}
		b.WriteString("\n")
	}
	for _, d := range req.ContextDocs {
		fmt.Fprintf(&b, "File %s:\n%s\n\n", d.Path, d.Excerpt)
	}
	if req.PreviousDiff != "" {
		fmt.Fprintf(&b, "A previous attempt failed (%s):\n%s\n\n", req.PreviousError, req.PreviousDiff)
		b.WriteString("Propose a different fix.\n\n")
	}
	if previousProblem != "" {
		fmt.Fprintf(&b, "Your last answer was rejected: %s. Output only valid JSON.\n\n", previousProblem)
	}
	b.WriteString(`Respond with a JSON object: {"title": ..., "rationale": ..., "diff": ...}.` + "\n")
	b.WriteString("The diff must be a unified diff with --- and +++ file headers.\n")
	return b.String()
}
