package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sengac/fspec-sub012/internal/app"
	"github.com/sengac/fspec-sub012/internal/config"
	"github.com/sengac/fspec-sub012/internal/domain"
	"github.com/sengac/fspec-sub012/internal/engine"
	"github.com/sengac/fspec-sub012/internal/events"
)

func TestSlackWebhookDelivery(t *testing.T) {
	var got map[string]any
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte("ok"))
	}))
	defer sink.Close()

	ctx := context.Background()
	ws, err := app.Open(ctx, t.TempDir(), app.Options{ActorID: "tester"})
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	defer ws.Close()
	cfg := config.Default("demo")
	cfg.Webhooks = []config.WebhookConfig{{URL: sink.URL, Format: FormatSlack, Events: []string{events.TransitionCompleted}}}
	d := NewWebhookDispatcher(ws.Journal, cfg, nil)
	d.DispatchAll(ctx)

	w, err := ws.Engine.CreateWorkUnit(ctx, engine.CreateOptions{Prefix: "AUTH", Title: "Login"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ws.Engine.Transition(ctx, w.ID, domain.StatusSpecifying, engine.TransitionFlags{}); err != nil {
		t.Fatal(err)
	}
	d.DispatchAll(ctx)

	if got == nil {
		t.Fatalf("slack sink received nothing")
	}
	if text, _ := got["text"].(string); text != "[demo] AUTH-001 moved backlog -> specifying" {
		t.Fatalf("text = %q", got["text"])
	}
	atts, _ := got["attachments"].([]any)
	if len(atts) != 1 || atts[0].(map[string]any)["color"] != "good" {
		t.Fatalf("attachments = %v", got["attachments"])
	}
}

func TestDiscordEmbedAndURL(t *testing.T) {
	id, token, err := discordWebhookIDs("https://discord.com/api/webhooks/123/abc-DEF")
	if err != nil || id != "123" || token != "abc-DEF" {
		t.Fatalf("ids = %q %q %v", id, token, err)
	}
	if _, _, err := discordWebhookIDs("https://example.com/hooks/1"); err == nil {
		t.Fatalf("expected error for non-discord url")
	}

	evt := domain.Event{
		Type:       events.HookFailed,
		WorkUnitID: "AUTH-001",
		ActorID:    "alice",
		TS:         "2025-01-01T00:00:00Z",
		Payload:    `{"hook":"lint","event":"pre-testing","exit_code":2}`,
	}
	embed := discordEmbed("", evt)
	if embed.Title != "AUTH-001 hook lint failed on pre-testing" || embed.Color != 0xE74C3C {
		t.Fatalf("embed = %+v", embed)
	}
	var names []string
	for _, f := range embed.Fields {
		names = append(names, f.Name)
	}
	if strings.Join(names, ",") != "type,actor,event,exit_code,hook" {
		t.Fatalf("fields = %v", names)
	}
}
