package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"

	"github.com/sengac/fspec-sub012/internal/domain"
	"github.com/sengac/fspec-sub012/internal/events"
)

// Webhook delivery formats.
const (
	FormatJSON    = "json"
	FormatSlack   = "slack"
	FormatDiscord = "discord"
)

type eventField struct {
	Name  string
	Value string
}

// eventSummary renders a journal event as a one-line title plus sorted payload fields.
func eventSummary(project string, evt domain.Event) (string, []eventField) {
	payload := map[string]any{}
	_ = json.Unmarshal([]byte(evt.Payload), &payload)

	subject := evt.WorkUnitID
	if subject == "" {
		subject = project
	}
	var title string
	switch evt.Type {
	case events.TransitionCompleted:
		title = fmt.Sprintf("%s moved %v -> %v", subject, payload["from"], payload["to"])
	case events.TransitionRejected:
		title = fmt.Sprintf("%s transition to %v rejected (%v)", subject, payload["to"], payload["kind"])
	case events.HookFailed:
		title = fmt.Sprintf("%s hook %v failed on %v", subject, payload["hook"], payload["event"])
	case events.CheckpointDrift:
		title = fmt.Sprintf("%s has checkpoints without snapshots", subject)
	default:
		title = fmt.Sprintf("%s %s", subject, evt.Type)
	}
	if project != "" && subject != project {
		title = "[" + project + "] " + title
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := []eventField{{Name: "type", Value: evt.Type}}
	if evt.ActorID != "" {
		fields = append(fields, eventField{Name: "actor", Value: evt.ActorID})
	}
	for _, k := range keys {
		fields = append(fields, eventField{Name: k, Value: fmt.Sprint(payload[k])})
	}
	return title, fields
}

func eventColor(evtType string) (string, int) {
	switch evtType {
	case events.TransitionRejected, events.HookFailed, events.CheckpointFailed, events.CheckpointDrift:
		return "danger", 0xE74C3C
	case events.TemporalBypassed:
		return "warning", 0xF1C40F
	default:
		return "good", 0x2ECC71
	}
}

func slackMessage(project string, evt domain.Event) *slack.WebhookMessage {
	title, fields := eventSummary(project, evt)
	color, _ := eventColor(evt.Type)
	att := slack.Attachment{Color: color, Fallback: title}
	for _, f := range fields {
		att.Fields = append(att.Fields, slack.AttachmentField{Title: f.Name, Value: f.Value, Short: true})
	}
	return &slack.WebhookMessage{Text: title, Attachments: []slack.Attachment{att}}
}

func discordEmbed(project string, evt domain.Event) *discordgo.MessageEmbed {
	title, fields := eventSummary(project, evt)
	_, color := eventColor(evt.Type)
	embed := &discordgo.MessageEmbed{Title: title, Color: color, Timestamp: evt.TS}
	for _, f := range fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: true})
	}
	return embed
}

// discordWebhookIDs extracts the id and token from https://discord.com/api/webhooks/<id>/<token>.
func discordWebhookIDs(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("not a discord webhook url: %s", raw)
}

func postSlack(ctx context.Context, client *http.Client, hookURL, project string, evt domain.Event) error {
	return slack.PostWebhookCustomHTTPContext(ctx, hookURL, client, slackMessage(project, evt))
}

func postDiscord(ctx context.Context, client *http.Client, hookURL, project string, evt domain.Event) error {
	id, token, err := discordWebhookIDs(hookURL)
	if err != nil {
		return err
	}
	sess, err := discordgo.New("")
	if err != nil {
		return err
	}
	sess.Client = client
	_, err = sess.WebhookExecute(id, token, false, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{discordEmbed(project, evt)},
	}, discordgo.WithContext(ctx))
	return err
}
