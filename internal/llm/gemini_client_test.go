package llm

import (
	"context"
	"errors"
	"iter"
	"testing"

	"google.golang.org/genai"
)

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: genai.NewContentFromText(text, genai.RoleModel)},
		},
	}
}

func scripted(items ...any) iter.Seq2[*genai.GenerateContentResponse, error] {
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, it := range items {
			var ok bool
			switch v := it.(type) {
			case error:
				ok = yield(nil, v)
			case *genai.GenerateContentResponse:
				ok = yield(v, nil)
			}
			if !ok {
				return
			}
		}
	}
}

func TestForwardStream(t *testing.T) {
	out := make(chan Delta, 10)
	err := forwardStream(context.Background(), scripted(textResponse("Hello "), textResponse("there.")), out)
	close(out)
	if err != nil {
		t.Fatalf("forwardStream failed: %v", err)
	}

	var got string
	for d := range out {
		got += d.Text
	}
	if got != "Hello there." {
		t.Errorf("Expected %q, got %q", "Hello there.", got)
	}
}

func TestForwardStream_Error(t *testing.T) {
	boom := errors.New("stream broke")
	out := make(chan Delta, 10)

	err := forwardStream(context.Background(), scripted(textResponse("Partial"), boom, textResponse("never")), out)
	if !errors.Is(err, boom) {
		t.Errorf("Expected stream error, got %v", err)
	}
	if len(out) != 1 {
		t.Errorf("Expected 1 delta before the error, got %d", len(out))
	}
}

func TestForwardStream_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan Delta) // unbuffered: forwarding must give up on ctx
	err := forwardStream(ctx, scripted(textResponse("Hello")), out)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestToContents(t *testing.T) {
	contents := toContents([]Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	})

	if len(contents) != 2 {
		t.Fatalf("Expected 2 contents, got %d", len(contents))
	}
	if string(contents[0].Role) != string(genai.RoleUser) {
		t.Errorf("Expected user role, got %s", contents[0].Role)
	}
	if string(contents[1].Role) != string(genai.RoleModel) {
		t.Errorf("Expected model role, got %s", contents[1].Role)
	}
	if contents[1].Parts[0].Text != "hello" {
		t.Errorf("Expected text hello, got %q", contents[1].Parts[0].Text)
	}
}
