package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"prospectd/internal/config"
	"prospectd/internal/logging"
)

// GeminiOracle implements Oracle on Google's Gemini API with structured
// JSON output.
type GeminiOracle struct {
	client   *genai.Client
	model    string
	timeout  time.Duration
	campaign config.CampaignConfig
}

// NewGemini creates a Gemini-backed oracle.
func NewGemini(cfg config.OracleConfig, campaign config.CampaignConfig) (*GeminiOracle, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("oracle API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil || timeout <= 0 {
		timeout = 60 * time.Second
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiOracle{
		client:   client,
		model:    model,
		timeout:  timeout,
		campaign: campaign,
	}, nil
}

// QualifyProfile judges one profile. The campaign's product docs and
// objective frame the question; the answer comes back as structured JSON.
func (o *GeminiOracle) QualifyProfile(ctx context.Context, profileText string) (Decision, error) {
	timer := logging.StartTimer(logging.CategoryOracle, "QualifyProfile")
	defer timer.Stop()

	prompt := fmt.Sprintf(`You are qualifying leads for an outreach campaign.

Product:
%s

Campaign objective:
%s

Candidate profile:
%s

Decide whether this person is a good fit for the campaign. Answer with a
boolean decision and one short sentence of justification.`,
		o.campaign.ProductDocs, o.campaign.Objective, profileText)

	schema := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"qualified": {Type: genai.TypeBoolean},
			"reason":    {Type: genai.TypeString},
		},
		Required: []string{"qualified", "reason"},
	}

	raw, err := o.generate(ctx, prompt, schema, 0.7)
	if err != nil {
		return Decision{}, err
	}

	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Decision{}, fmt.Errorf("%w: malformed decision: %v", ErrUnavailable, err)
	}
	logging.Oracle("Qualification verdict: qualified=%v (%s)", d.Qualified, d.Reason)
	return d, nil
}

// GenerateKeywords asks for fresh people-search queries, excluding every
// keyword the campaign has already used.
func (o *GeminiOracle) GenerateKeywords(ctx context.Context, n int, exclude []string) ([]string, error) {
	timer := logging.StartTimer(logging.CategoryOracle, "GenerateKeywords")
	defer timer.Stop()

	var exclusion string
	if len(exclude) > 0 {
		exclusion = "\nDo NOT repeat any of these already-used queries:\n- " + strings.Join(exclude, "\n- ")
	}
	prompt := fmt.Sprintf(`You are planning people-search queries for an outreach campaign.

Product:
%s

Campaign objective:
%s

Generate %d short people-search queries (job titles, industries, seniority
phrases) likely to surface good-fit prospects.%s`,
		o.campaign.ProductDocs, o.campaign.Objective, n, exclusion)

	schema := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"keywords": {
				Type:  genai.TypeArray,
				Items: &genai.Schema{Type: genai.TypeString},
			},
		},
		Required: []string{"keywords"},
	}

	raw, err := o.generate(ctx, prompt, schema, 0.9)
	if err != nil {
		return nil, err
	}

	var out struct {
		Keywords []string `json:"keywords"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%w: malformed keyword response: %v", ErrUnavailable, err)
	}
	logging.Oracle("Generated %d search keywords", len(out.Keywords))
	return out.Keywords, nil
}

// ComposeFollowUp renders the campaign template against the profile,
// passes it through the model for a natural-language polish, then appends
// the booking link.
func (o *GeminiOracle) ComposeFollowUp(ctx context.Context, profile map[string]interface{}) (string, error) {
	timer := logging.StartTimer(logging.CategoryOracle, "ComposeFollowUp")
	defer timer.Stop()

	rendered, err := renderFollowUpTemplate(o.campaign, profile)
	if err != nil {
		return "", err
	}

	polished, err := o.generate(ctx, rendered, nil, 0.7)
	if err != nil {
		return "", err
	}
	return appendBookingLink(strings.TrimSpace(polished), o.campaign.BookingLink), nil
}

// generate is the single point of contact with the model. The configured
// timeout is always applied; schema may be nil for free-form text.
func (o *GeminiOracle) generate(ctx context.Context, prompt string, schema *genai.Schema, temperature float32) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temperature),
	}
	if schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = schema
	}

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	resp, err := o.client.Models.GenerateContent(ctx, o.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%w: empty response", ErrUnavailable)
	}
	return text, nil
}
