package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/pipeline"
	"github.com/zaclake/book-writer-automated-platform-sub007/internal/quality"
	"github.com/zaclake/book-writer-automated-platform-sub007/pkg/log"
)

// Provider runs the pipeline stages against a chat completions client.
type Provider struct {
	client     *Client
	categories []string
}

// NewProvider returns a Provider that asks the assessor for the given score
// categories. Empty categories fall back to a default set.
func NewProvider(client *Client, categories []string) *Provider {
	if len(categories) == 0 {
		categories = []string{"prose", "structure", "freshness", "engagement"}
	}
	return &Provider{client: client, categories: categories}
}

func (p *Provider) Generate(ctx context.Context, stage pipeline.Stage, sc pipeline.StageContext, c pipeline.Constraints) (pipeline.Output, error) {
	switch stage {
	case pipeline.StagePlan:
		return p.plan(ctx, sc, c)
	case pipeline.StageDraft, pipeline.StageRefine:
		return p.write(ctx, stage, sc, c)
	default:
		return pipeline.Output{}, jobs.Errorf(jobs.ErrValidation, "stage %s is not a generation stage", stage)
	}
}

func (p *Provider) plan(ctx context.Context, sc pipeline.StageContext, c pipeline.Constraints) (pipeline.Output, error) {
	schema, err := compiledBlueprint()
	if err != nil {
		return pipeline.Output{}, jobs.WrapError(err, jobs.ErrUnrecoverable, "blueprint schema")
	}
	opts := NewChatCompletionOptions().WithSystemPrompt(planSystemPrompt(c)).WithJSON()
	resp, err := p.client.ChatCompletion(ctx, []Message{{Role: "user", Content: planPrompt(sc, c)}}, opts)
	if err != nil {
		return pipeline.Output{}, err
	}

	var bp pipeline.Blueprint
	if err := validateJSON(schema, extractJSON(resp.Choices[0].Message.Content), &bp); err != nil {
		log.Warn("Job %s unit %d: invalid blueprint: %v", sc.JobID, sc.UnitIndex, err)
		return pipeline.Output{}, jobs.WrapError(err, jobs.ErrProviderRejected, "invalid blueprint")
	}
	return pipeline.Output{Blueprint: &bp, Summary: bp.Summary, Cost: p.client.Cost(resp)}, nil
}

func (p *Provider) write(ctx context.Context, stage pipeline.Stage, sc pipeline.StageContext, c pipeline.Constraints) (pipeline.Output, error) {
	prompt := draftPrompt(sc, c)
	if stage == pipeline.StageRefine {
		prompt = refinePrompt(sc, c)
	}
	opts := NewChatCompletionOptions().WithSystemPrompt(writerSystemPrompt(c))
	resp, err := p.client.ChatCompletion(ctx, []Message{{Role: "user", Content: prompt}}, opts)
	if err != nil {
		return pipeline.Output{}, err
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return pipeline.Output{}, jobs.Errorf(jobs.ErrProviderRejected, "empty %s response", stage)
	}
	return pipeline.Output{Content: content, Cost: p.client.Cost(resp)}, nil
}

// Score implements pipeline.Assessor.
func (p *Provider) Score(ctx context.Context, content string, sc pipeline.StageContext) (pipeline.ScoreReport, error) {
	schema, err := compiledScore()
	if err != nil {
		return pipeline.ScoreReport{}, jobs.WrapError(err, jobs.ErrUnrecoverable, "score schema")
	}
	opts := NewChatCompletionOptions().
		WithSystemPrompt(assessSystemPrompt(p.categories)).
		WithTemperature(0).
		WithJSON()
	resp, err := p.client.ChatCompletion(ctx, []Message{{Role: "user", Content: assessPrompt(content, sc)}}, opts)
	if err != nil {
		return pipeline.ScoreReport{}, err
	}

	var report quality.Report
	if err := validateJSON(schema, extractJSON(resp.Choices[0].Message.Content), &report); err != nil {
		log.Warn("Job %s unit %d: invalid score report: %v", sc.JobID, sc.UnitIndex, err)
		return pipeline.ScoreReport{}, jobs.WrapError(err, jobs.ErrProviderRejected, "invalid score report")
	}
	return pipeline.ScoreReport{Report: report, Cost: p.client.Cost(resp)}, nil
}

func planSystemPrompt(c pipeline.Constraints) string {
	return fmt.Sprintf("You plan one section of a longer work written in %s. "+
		"Reply with a JSON object with keys \"title\", \"summary\" and \"required_points\" (array of strings).", c.Language)
}

func writerSystemPrompt(c pipeline.Constraints) string {
	return fmt.Sprintf("You are a careful author. Write in %s. Aim for about %d words. "+
		"Reply with the section text only, without headings or commentary.", c.Language, c.TargetSize)
}

func assessSystemPrompt(categories []string) string {
	return fmt.Sprintf("You are a strict editor. Score the text from 0 to 10 in each of these categories: %s. "+
		"Also report readability sub-checks as booleans under \"readability\", short improvement notes per "+
		"category under \"feedback\", and a two sentence \"summary\" of the text. "+
		"Reply with a JSON object with keys \"scores\", \"readability\", \"feedback\" and \"summary\".",
		strings.Join(categories, ", "))
}

func planPrompt(sc pipeline.StageContext, c pipeline.Constraints) string {
	var b strings.Builder
	writeHeader(&b, sc)
	fmt.Fprintf(&b, "Plan section %d of %d (about %d words).\n", sc.UnitIndex+1, sc.TotalUnits, c.TargetSize)
	return b.String()
}

func draftPrompt(sc pipeline.StageContext, c pipeline.Constraints) string {
	var b strings.Builder
	writeHeader(&b, sc)
	writeBlueprint(&b, sc)
	fmt.Fprintf(&b, "Write section %d of %d now.\n", sc.UnitIndex+1, sc.TotalUnits)
	return b.String()
}

func refinePrompt(sc pipeline.StageContext, c pipeline.Constraints) string {
	var b strings.Builder
	writeHeader(&b, sc)
	writeBlueprint(&b, sc)
	fmt.Fprintf(&b, "Revise the draft below. It fell short in: %s.\n", strings.Join(sc.Failing, ", "))
	keys := make([]string, 0, len(sc.Feedback))
	for k := range sc.Feedback {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, sc.Feedback[k])
	}
	fmt.Fprintf(&b, "\nDraft:\n%s\n", sc.Content)
	return b.String()
}

func assessPrompt(content string, sc pipeline.StageContext) string {
	var b strings.Builder
	writeHeader(&b, sc)
	writeBlueprint(&b, sc)
	fmt.Fprintf(&b, "Text to score:\n%s\n", content)
	return b.String()
}

func writeHeader(b *strings.Builder, sc pipeline.StageContext) {
	if sc.Title != "" {
		fmt.Fprintf(b, "Work: %s\n", sc.Title)
	}
	if sc.Brief != "" {
		fmt.Fprintf(b, "Brief: %s\n", sc.Brief)
	}
	if len(sc.PriorSummaries) > 0 {
		b.WriteString("Previous sections:\n")
		for i, s := range sc.PriorSummaries {
			fmt.Fprintf(b, "%d. %s\n", i+1, s)
		}
	}
	b.WriteString("\n")
}

func writeBlueprint(b *strings.Builder, sc pipeline.StageContext) {
	if sc.Blueprint == nil {
		return
	}
	fmt.Fprintf(b, "Section title: %s\nSection plan: %s\n", sc.Blueprint.Title, sc.Blueprint.Summary)
	for _, pt := range sc.Blueprint.RequiredPoints {
		fmt.Fprintf(b, "- must cover: %s\n", pt)
	}
	b.WriteString("\n")
}
