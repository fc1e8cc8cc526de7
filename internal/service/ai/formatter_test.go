package ai_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zhouzirui/flow/backend/internal/model/chat"
)

func TestFormatBurstParsesSentinel(t *testing.T) {
	scripted := &scriptedModel{outputs: []string{
		"Hey, saw your message!||NEXT_MESSAGE||Super swamped this week tho.||NEXT_MESSAGE|| Early next week work? ||NEXT_MESSAGE||",
	}}
	generator := newGenerator(scripted)

	cfg := chat.TurnConfig{APIKey: "key", Persona: "busy"}
	fragments, err := generator.FormatBurst(context.Background(), cfg, "long reply text", "original query")
	if err != nil {
		t.Fatalf("FormatBurst err: %v", err)
	}

	want := []string{"Hey, saw your message!", "Super swamped this week tho.", "Early next week work?"}
	if len(fragments) != len(want) {
		t.Fatalf("expected %d fragments, got %d: %v", len(want), len(fragments), fragments)
	}
	for i, fragment := range fragments {
		if fragment != want[i] {
			t.Fatalf("fragment %d: got %q want %q", i, fragment, want[i])
		}
		if strings.Contains(fragment, "||NEXT_MESSAGE||") {
			t.Fatalf("delimiter leaked into fragment %d: %q", i, fragment)
		}
	}
}

func TestFormatBurstShortReplySingleBubble(t *testing.T) {
	scripted := &scriptedModel{outputs: []string{"Okay, sounds good."}}
	generator := newGenerator(scripted)

	fragments, err := generator.FormatBurst(context.Background(), chat.TurnConfig{APIKey: "key"}, "Okay, sounds good.", "are we on?")
	if err != nil {
		t.Fatalf("FormatBurst err: %v", err)
	}
	if len(fragments) != 1 {
		t.Fatalf("expected single fragment, got %d", len(fragments))
	}
	if fragments[0] != "Okay, sounds good." {
		t.Fatalf("unexpected fragment: %q", fragments[0])
	}
}

func TestFormatBurstFallsBackToSentences(t *testing.T) {
	scripted := &scriptedModel{outputs: []string{"   "}}
	generator := newGenerator(scripted)

	reply := "I saw your message about the project. I am swamped this week with the report. Could we aim for early next week instead?"
	fragments, err := generator.FormatBurst(context.Background(), chat.TurnConfig{APIKey: "key"}, reply, "q")
	if err != nil {
		t.Fatalf("FormatBurst err: %v", err)
	}

	if len(fragments) != 3 {
		t.Fatalf("expected 3 sentence fragments, got %d: %v", len(fragments), fragments)
	}
	if fragments[0] != "I saw your message about the project." {
		t.Fatalf("unexpected first sentence: %q", fragments[0])
	}
}

func TestFormatBurstFallbackWholeReplyWhenTooManySentences(t *testing.T) {
	scripted := &scriptedModel{outputs: []string{""}}
	generator := newGenerator(scripted)

	reply := "One. Two. Three. Four. Five. Six. Seven. And this padding makes the reply comfortably long."
	fragments, err := generator.FormatBurst(context.Background(), chat.TurnConfig{APIKey: "key"}, reply, "q")
	if err != nil {
		t.Fatalf("FormatBurst err: %v", err)
	}
	if len(fragments) != 1 {
		t.Fatalf("expected whole reply as single fragment, got %d", len(fragments))
	}
	if fragments[0] != reply {
		t.Fatalf("expected untouched reply, got %q", fragments[0])
	}
}

func TestFormatBurstFallbackWholeReplyWhenShort(t *testing.T) {
	scripted := &scriptedModel{outputs: []string{""}}
	generator := newGenerator(scripted)

	reply := "Sure, see you then."
	fragments, err := generator.FormatBurst(context.Background(), chat.TurnConfig{APIKey: "key"}, reply, "q")
	if err != nil {
		t.Fatalf("FormatBurst err: %v", err)
	}
	if len(fragments) != 1 || fragments[0] != reply {
		t.Fatalf("expected single whole-reply fragment, got %v", fragments)
	}
}

func TestFormatBurstEmptyReply(t *testing.T) {
	scripted := &scriptedModel{}
	generator := newGenerator(scripted)

	fragments, err := generator.FormatBurst(context.Background(), chat.TurnConfig{APIKey: "key"}, "   ", "q")
	if err != nil {
		t.Fatalf("FormatBurst err: %v", err)
	}
	if fragments != nil {
		t.Fatalf("expected no fragments for empty reply, got %v", fragments)
	}
}

func TestFormatBurstModelErrorSurfaces(t *testing.T) {
	scripted := &scriptedModel{err: errors.New("network timeout")}
	generator := newGenerator(scripted)

	_, err := generator.FormatBurst(context.Background(), chat.TurnConfig{APIKey: "key"}, "some longer reply that would need splitting", "q")
	if err == nil {
		t.Fatal("expected formatter error to surface for caller fallback")
	}
}
