// Package builtin holds the plugins compiled into the worker binary.
package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ruabot/pkg/plugin"
	"ruabot/pkg/protocol"
)

const likeDailyLimit = 10

// likeRecord tracks how many likes one user received on a given day.
type likeRecord struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// likePlugin sends profile likes when a user asks for them, capped per day.
type likePlugin struct {
	api     plugin.API
	trigger string
	botName string
	users   map[string]*likeRecord
	now     func() time.Time
}

// Like is the registry record for the profile-like plugin.
var Like = plugin.Info{
	Author: "ruabot",
	Name:   "like",
	DefaultConfig: map[string]any{
		"trigger":  "like me",
		"bot_name": "ruabot",
	},
	New: newLikePlugin,
}

func newLikePlugin(api plugin.API, config map[string]any) plugin.Plugin {
	p := &likePlugin{
		api:     api,
		trigger: "like me",
		botName: "ruabot",
		users:   make(map[string]*likeRecord),
		now:     time.Now,
	}
	if v, ok := config["trigger"].(string); ok && v != "" {
		p.trigger = v
	}
	if v, ok := config["bot_name"].(string); ok && v != "" {
		p.botName = v
	}
	return p
}

func (p *likePlugin) OnLoad(ctx context.Context) error {
	p.api.Log("info", "like plugin loaded")
	return nil
}

func (p *likePlugin) OnUnload(ctx context.Context) error {
	return nil
}

func (p *likePlugin) OnEvent(ctx context.Context, name string, data map[string]any) error {
	if name != "onebot.message" {
		return nil
	}

	text, _ := data["raw_message"].(string)
	text = strings.TrimSpace(text)

	switch text {
	case p.trigger:
		return p.handleLike(ctx, data)
	case p.trigger + " info":
		return p.handleInfo(ctx, data)
	}
	return nil
}

func (p *likePlugin) handleLike(ctx context.Context, event map[string]any) error {
	userID := stringField(event, "user_id")
	if userID == "" {
		return nil
	}

	remaining := p.remaining(userID)
	if remaining <= 0 {
		return p.reply(ctx, event, fmt.Sprintf("already sent you %d likes today, come back tomorrow~", likeDailyLimit))
	}

	sent := 0
	for i := 0; i < remaining; i++ {
		if _, err := plugin.SendLike(ctx, p.api, userID, 1); err != nil {
			p.api.Log("warning", "send_like failed: "+err.Error())
			break
		}
		sent++
	}
	p.record(userID, sent)

	if sent == 0 {
		return p.reply(ctx, event, "could not send likes, the bot may be missing permission")
	}

	msg := fmt.Sprintf("sent %d likes to your profile! %s likes you!", sent, p.botName)
	if left := p.remaining(userID); left > 0 {
		msg += fmt.Sprintf(" %d more available today", left)
	}
	return p.reply(ctx, event, msg)
}

func (p *likePlugin) handleInfo(ctx context.Context, event map[string]any) error {
	userID := stringField(event, "user_id")
	if userID == "" {
		return nil
	}
	used := likeDailyLimit - p.remaining(userID)
	return p.reply(ctx, event, fmt.Sprintf("you received %d likes today, %d remaining", used, likeDailyLimit-used))
}

// reply routes the answer back to where the request came from. Group
// requests get an @-mention so the asker sees it.
func (p *likePlugin) reply(ctx context.Context, event map[string]any, text string) error {
	messageType, _ := event["message_type"].(string)
	userID := stringField(event, "user_id")

	if messageType == "group" {
		groupID := stringField(event, "group_id")
		msg := protocol.NewMessage().At(userID).Text(" " + text)
		_, err := plugin.SendGroupMsg(ctx, p.api, groupID, msg)
		return err
	}
	_, err := plugin.SendPrivateMsg(ctx, p.api, userID, protocol.NewMessage().Text(text))
	return err
}

func (p *likePlugin) remaining(userID string) int {
	today := p.now().Format("2006-01-02")
	rec, ok := p.users[userID]
	if !ok || rec.Date != today {
		return likeDailyLimit
	}
	if rec.Count >= likeDailyLimit {
		return 0
	}
	return likeDailyLimit - rec.Count
}

func (p *likePlugin) record(userID string, times int) {
	today := p.now().Format("2006-01-02")
	rec, ok := p.users[userID]
	if !ok || rec.Date != today {
		p.users[userID] = &likeRecord{Date: today, Count: times}
		return
	}
	rec.Count += times
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case int64:
		return fmt.Sprintf("%d", v)
	}
	return ""
}
