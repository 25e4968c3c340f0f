package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/puretik/modmail-relay/domain/infra"
	"github.com/puretik/modmail-relay/domain/model"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	cmdReply      = "reply"
	cmdSetChannel = "set-channel"
	cmdSetTimeout = "set-timeout"
	cmdHistory    = "history"
	cmdSummary    = "summary"
)

const (
	defaultIdleTimeout   = 600 * time.Second
	defaultSweepInterval = 30 * time.Second
	requestTimeout       = 10 * time.Second
	sendMaxRetries       = 3
)

// Handler is the Slack side of the relay: it feeds inbound events to the
// Router and executes the Router's delivery instructions.
type Handler struct {
	client        infra.SlackAPI
	ds            infra.Datastore
	router        *Router
	sweeper       *Sweeper
	ai            *infra.OpenAI
	userInfoCache *ttlcache.Cache[string, *slack.User]
	botID         string
}

func NewHandler() (*Handler, error) {
	var ds infra.Datastore
	var err error
	switch os.Getenv("DB_DRIVER") {
	case "dynamodb":
		ds, err = infra.NewDynamoDB()
	case "sqlite":
		ds, err = infra.NewDataBase()
	default:
		ds = infra.NewMemory()
	}
	if err != nil {
		return nil, err
	}

	idleTimeout := defaultIdleTimeout
	if v := os.Getenv("IDLE_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid IDLE_TIMEOUT_SECONDS: %q", v)
		}
		idleTimeout = time.Duration(secs) * time.Second
	}
	sweepInterval := defaultSweepInterval
	if v := os.Getenv("SWEEP_INTERVAL_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid SWEEP_INTERVAL_SECONDS: %q", v)
		}
		sweepInterval = time.Duration(secs) * time.Second
	}

	ai, err := infra.NewOpenAI()
	if err != nil {
		return nil, err
	}

	api := slack.New(os.Getenv("SLACK_BOT_TOKEN"))
	clock := infra.RealClock()
	router := NewRouter(ds, clock, os.Getenv("MODMAIL_CHANNEL"), idleTimeout)
	h := &Handler{
		client:        api,
		ds:            ds,
		router:        router,
		ai:            ai,
		userInfoCache: ttlcache.New(ttlcache.WithTTL[string, *slack.User](24 * time.Hour)),
	}
	h.sweeper = NewSweeper(ds, router, clock, sweepInterval, h.Deliver)
	go h.userInfoCache.Start()
	return h, nil
}

// StartSweeper runs the expiry sweeper until ctx is cancelled.
func (h *Handler) StartSweeper(ctx context.Context) {
	go h.sweeper.Start(ctx)
}

func (h *Handler) Handle() error {
	webApi := slack.New(
		os.Getenv("SLACK_BOT_TOKEN"),
		slack.OptionAppLevelToken(os.Getenv("SLACK_APP_TOKEN")),
	)
	socketMode := socketmode.New(
		webApi,
	)
	authTest, authTestErr := webApi.AuthTest()
	if authTestErr != nil {
		fmt.Fprintf(os.Stderr, "SLACK_BOT_TOKEN is invalid: %v\n", authTestErr)
		os.Exit(1)
	}
	h.botID = authTest.UserID

	go func() {
		for envelope := range socketMode.Events {
			switch envelope.Type {
			case socketmode.EventTypeEventsAPI:
				socketMode.Ack(*envelope.Request)
				eventPayload, ok := envelope.Data.(slackevents.EventsAPIEvent)
				if !ok {
					slog.Error("Failed to cast to EventsAPIEvent")
					continue
				}
				h.handleCallBack(&eventPayload)
			default:
				socketMode.Debugf("Skipped: %v", envelope.Type)
			}
		}
	}()

	return socketMode.Run()
}

func (h *Handler) handleCallBack(event *slackevents.EventsAPIEvent) {
	switch event.Type {
	case slackevents.CallbackEvent:
		innerEvent := event.InnerEvent
		switch ev := innerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			// A user DMing the bot. Ignore our own messages and edits.
			if ev.ChannelType == "im" && ev.BotID == "" && ev.SubType == "" && ev.User != h.getBotUserID() {
				h.handleUserDM(ev.User, ev.Text)
			}
		case *slackevents.AppMentionEvent:
			h.handleMention(ev)
		}
	default:
		slog.Warn("Unsupported EventsAPIEvent type", slog.Any("type", event.Type))
	}
}

// handleUserDM relays one inbound user message into the user's ticket
// thread, creating the ticket on first contact.
func (h *Handler) handleUserDM(userID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	inst, err := h.router.HandleUserMessage(ctx, userID, text)
	if err != nil {
		slog.Error("HandleUserMessage failed", slog.String("user", userID), slog.Any("err", err))
		if errors.Is(err, model.ErrLockTimeout) {
			h.dmText(userID, ":hourglass: Your message could not be processed in time. Please send it again.")
		}
		return
	}

	if err := h.postToTicket(*inst); err != nil {
		slog.Error("postToTicket failed", slog.String("ticket", inst.TicketID), slog.Any("err", err))
		if errors.Is(err, model.ErrRateLimited) {
			h.dmText(userID, ":warning: The relay is being rate limited. Please try again in a minute.")
		}
		return
	}

	if inst.NewTicket {
		h.sendGuidelines(userID)
	}
}

// postToTicket posts the message into the ticket thread. For a fresh
// ticket the thread head goes out first and gets bound to the ticket.
func (h *Handler) postToTicket(inst model.PostToTicket) error {
	threadTS := inst.ThreadTS
	if threadTS == "" {
		ts, err := h.postHeadMessage(inst)
		if err != nil {
			return err
		}
		if err := h.ds.BindThread(inst.TicketID, inst.ChannelID, ts); err != nil {
			return fmt.Errorf("BindThread failed: %w", err)
		}
		threadTS = ts
	}
	_, _, err := h.postMessageWithRetry(
		inst.ChannelID,
		slack.MsgOptionTS(threadTS),
		slack.MsgOptionText(inst.Text, false),
	)
	return err
}

func (h *Handler) postHeadMessage(inst model.PostToTicket) (string, error) {
	userName := inst.UserID
	if user, err := h.getUserInfo(inst.UserID); err == nil {
		userName = getUserPreferredName(user)
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject("plain_text", "📨 New modmail", false, false),
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*From:* <@%s> (%s)", inst.UserID, userName), false, false),
			nil, nil,
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Ticket:* `%s`", inst.TicketID), false, false),
			nil, nil,
		),
		slack.NewDividerBlock(),
		slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn", "Mention me in this thread to reply. The user's messages appear below.", false, false),
		),
	}

	_, ts, err := h.postMessageWithRetry(inst.ChannelID, slack.MsgOptionBlocks(blocks...))
	if err != nil {
		return "", fmt.Errorf("failed to post thread head: %w", err)
	}
	return ts, nil
}

func (h *Handler) sendGuidelines(userID string) {
	text := "*Modmail*\n" +
		"Your message was delivered to the moderators. They will reply here as soon as possible.\n" +
		"You can keep sending messages; they all end up in the same conversation.\n" +
		"The conversation closes automatically after a period of inactivity."
	h.dmText(userID, text)
}

// handleMention handles moderator traffic in the modmail channel: thread
// replies and channel-level commands.
func (h *Handler) handleMention(event *slackevents.AppMentionEvent) {
	messageText := strings.Replace(event.Text, fmt.Sprintf("<@%s>", h.getBotUserID()), "", 1)
	messageText = strings.TrimSpace(messageText)

	if event.ThreadTimeStamp != "" {
		h.handleThreadReply(event, messageText)
		return
	}

	fields := strings.Fields(messageText)
	if len(fields) == 0 {
		h.postEphemeralText(event.Channel, event.User, h.helpText())
		return
	}

	switch fields[0] {
	case cmdReply:
		if len(fields) < 3 {
			h.postEphemeralText(event.Channel, event.User, "Usage: `reply @user <message>`")
			return
		}
		userID := parseUserRef(fields[1])
		if userID == "" {
			h.postEphemeralText(event.Channel, event.User, fmt.Sprintf("Not a user reference: `%s`", fields[1]))
			return
		}
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(messageText, fields[0]), " "+fields[1]))
		h.deliverReply(event.Channel, event.User, ReplyTarget{UserID: userID}, text)
	case cmdSetChannel:
		h.handleSetChannel(event, fields)
	case cmdSetTimeout:
		h.handleSetTimeout(event, fields)
	case cmdHistory:
		if err := h.showOpenTickets(event.Channel, event.User); err != nil {
			slog.Error("showOpenTickets failed", slog.Any("err", err))
		}
	case cmdSummary:
		if err := h.showDigest(event.Channel, event.User); err != nil {
			slog.Error("showDigest failed", slog.Any("err", err))
		}
	default:
		h.postEphemeralText(event.Channel, event.User, h.helpText())
	}
}

func (h *Handler) handleThreadReply(event *slackevents.AppMentionEvent, text string) {
	if text == "" {
		h.postEphemeralText(event.Channel, event.User, "Nothing to send. Mention me with the reply text.")
		return
	}
	h.deliverReply(event.Channel, event.User, ReplyTarget{ThreadTS: event.ThreadTimeStamp}, text)
}

// deliverReply routes a moderator reply and DMs it to the user, reporting
// failures back to the moderator rather than dropping them.
func (h *Handler) deliverReply(channelID, moderatorID string, target ReplyTarget, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	inst, err := h.router.HandleModeratorReply(ctx, target, moderatorID, text)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrTicketClosed):
			h.postEphemeralText(channelID, moderatorID, ":no_entry: This ticket is no longer active. The conversation was closed.")
		case errors.Is(err, model.ErrUnknownTicket):
			h.postEphemeralText(channelID, moderatorID, ":no_entry: No active ticket for that target.")
		case errors.Is(err, model.ErrLockTimeout):
			h.postEphemeralText(channelID, moderatorID, ":hourglass: Could not process the reply in time. Please try again.")
		default:
			slog.Error("HandleModeratorReply failed", slog.Any("err", err))
			h.postEphemeralText(channelID, moderatorID, ":warning: Failed to send the reply.")
		}
		return
	}

	if err := h.dmToUser(*inst); err != nil {
		slog.Error("dmToUser failed", slog.String("user", inst.UserID), slog.Any("err", err))
		if errors.Is(err, model.ErrRateLimited) {
			h.postEphemeralText(channelID, moderatorID, ":warning: Rate limited by Slack. Please wait a minute and try again.")
		} else {
			h.postEphemeralText(channelID, moderatorID, ":warning: Failed to DM the user. They may have DMs closed.")
		}
		return
	}
	h.postEphemeralText(channelID, moderatorID, ":white_check_mark: Reply sent.")
}

func (h *Handler) handleSetChannel(event *slackevents.AppMentionEvent, fields []string) {
	channelID := event.Channel
	if len(fields) > 1 {
		channelID = parseChannelRef(fields[1])
		if channelID == "" {
			h.postEphemeralText(event.Channel, event.User, fmt.Sprintf("Not a channel reference: `%s`", fields[1]))
			return
		}
	}
	h.router.SetChannel(channelID)
	slog.Info("modmail channel updated", slog.String("channel", channelID), slog.String("by", event.User))
	h.postEphemeralText(event.Channel, event.User, fmt.Sprintf("New tickets will be posted to <#%s>. Existing tickets stay in their threads.", channelID))
}

func (h *Handler) handleSetTimeout(event *slackevents.AppMentionEvent, fields []string) {
	if len(fields) < 2 {
		h.postEphemeralText(event.Channel, event.User, "Usage: `set-timeout <seconds>`")
		return
	}
	secs, err := strconv.Atoi(fields[1])
	if err != nil || secs <= 0 {
		h.postEphemeralText(event.Channel, event.User, fmt.Sprintf("Not a valid number of seconds: `%s`", fields[1]))
		return
	}
	h.router.SetTimeout(time.Duration(secs) * time.Second)
	slog.Info("idle timeout updated", slog.Int("seconds", secs), slog.String("by", event.User))
	h.postEphemeralText(event.Channel, event.User, fmt.Sprintf("Tickets now expire after %d seconds of inactivity.", secs))
}

func (h *Handler) helpText() string {
	return "Commands: `reply @user <message>`, `set-channel [#channel]`, `set-timeout <seconds>`, `history`, `summary`. " +
		"Or mention me inside a ticket thread to reply there."
}

// Deliver executes router/sweeper instructions against Slack.
func (h *Handler) Deliver(ctx context.Context, insts ...model.Instruction) error {
	for _, inst := range insts {
		var err error
		switch v := inst.(type) {
		case model.PostToTicket:
			err = h.postToTicket(v)
		case model.DMToUser:
			err = h.dmToUser(v)
		case model.ArchiveTicket:
			err = h.archiveTicket(v)
		case model.NotifyClosure:
			err = h.notifyClosure(v)
		default:
			err = fmt.Errorf("unknown instruction type %T", inst)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) dmToUser(inst model.DMToUser) error {
	moderatorName := "A moderator"
	if inst.ModeratorID != "" {
		if user, err := h.getUserInfo(inst.ModeratorID); err == nil {
			moderatorName = getUserPreferredName(user)
		}
	}
	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject("plain_text", "💬 Moderator reply", false, false),
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", inst.Text, false, false),
			nil, nil,
		),
		slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("From %s. You can reply here; the conversation stays open until it goes idle.", moderatorName), false, false),
		),
	}
	return h.dmBlocks(inst.UserID, blocks...)
}

func (h *Handler) archiveTicket(inst model.ArchiveTicket) error {
	if inst.ThreadTS == "" {
		return nil
	}
	_, _, err := h.postMessageWithRetry(
		inst.ChannelID,
		slack.MsgOptionTS(inst.ThreadTS),
		slack.MsgOptionText(":lock: This ticket was closed for inactivity. A new message from the user opens a fresh ticket.", false),
	)
	return err
}

func (h *Handler) notifyClosure(inst model.NotifyClosure) error {
	return h.dmText(inst.UserID,
		":lock: Your conversation with the moderators was closed after a period of inactivity. "+
			"Send a new message any time to start a new one.")
}

func (h *Handler) showOpenTickets(channelID, userID string) error {
	tickets, err := h.router.OpenTickets()
	if err != nil {
		h.postEphemeralText(channelID, userID, "📭 *Could not load open tickets*")
		return err
	}
	if len(tickets) == 0 {
		h.postEphemeralText(channelID, userID, "📭 *No open tickets*")
		return nil
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject("plain_text", "📜 Open tickets", false, false),
		),
		slack.NewDividerBlock(),
	}
	for _, t := range tickets {
		fromName := t.UserID
		if user, err := h.getUserInfo(t.UserID); err == nil {
			fromName = getUserPreferredName(user)
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("📅 *Opened:* %s", t.CreatedAt.Format("2006-01-02 15:04:05")), false, false),
			[]*slack.TextBlockObject{
				slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*From:* %s", fromName), false, false),
				slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Last activity:* %s", t.LastActivityAt.Format("2006-01-02 15:04:05")), false, false),
				slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Ticket:* `%s`", t.ID), false, false),
			},
			nil,
		))
		blocks = append(blocks, slack.NewDividerBlock())
	}

	_, err = h.client.PostEphemeral(channelID, userID, slack.MsgOptionBlocks(blocks...))
	return err
}

func (h *Handler) showDigest(channelID, userID string) error {
	if h.ai == nil {
		h.postEphemeralText(channelID, userID, "Summaries are not configured.")
		return nil
	}
	tickets, err := h.router.OpenTickets()
	if err != nil {
		return err
	}
	if len(tickets) == 0 {
		h.postEphemeralText(channelID, userID, "📭 *No open tickets to summarize*")
		return nil
	}
	digest, err := h.ai.GenerateDigest(time.Now(), tickets)
	if err != nil {
		h.postEphemeralText(channelID, userID, ":warning: Summary generation failed.")
		return err
	}
	_, _, err = h.postMessageWithRetry(channelID, slack.MsgOptionText(digest, false))
	return err
}

// postMessageWithRetry retries rate-limited sends a few times before
// surfacing ErrRateLimited. The router never retries; this is purely a
// transport concern.
func (h *Handler) postMessageWithRetry(channelID string, options ...slack.MsgOption) (string, string, error) {
	var lastErr error
	for attempt := 0; attempt < sendMaxRetries; attempt++ {
		channel, ts, err := h.client.PostMessage(channelID, options...)
		if err == nil {
			return channel, ts, nil
		}
		var rle *slack.RateLimitedError
		if !errors.As(err, &rle) {
			return "", "", err
		}
		lastErr = err
		if attempt < sendMaxRetries-1 {
			slog.Warn("rate limited, retrying",
				slog.Duration("retry_after", rle.RetryAfter),
				slog.Int("attempt", attempt+1))
			time.Sleep(rle.RetryAfter)
		}
	}
	return "", "", fmt.Errorf("%w: %v", model.ErrRateLimited, lastErr)
}

func (h *Handler) dmText(userID, text string) error {
	return h.dmBlocks(userID, slack.NewSectionBlock(
		slack.NewTextBlockObject("mrkdwn", text, false, false), nil, nil,
	))
}

func (h *Handler) dmBlocks(userID string, blocks ...slack.Block) error {
	channel, _, _, err := h.client.OpenConversation(&slack.OpenConversationParameters{
		Users: []string{userID},
	})
	if err != nil {
		return fmt.Errorf("OpenConversation failed: %w", err)
	}
	_, _, err = h.postMessageWithRetry(channel.ID, slack.MsgOptionBlocks(blocks...))
	return err
}

func (h *Handler) postEphemeralText(channelID, userID, text string) {
	if _, err := h.client.PostEphemeral(channelID, userID, slack.MsgOptionText(text, false)); err != nil {
		slog.Error("Failed to post ephemeral message", slog.Any("err", err))
	}
}

func (h *Handler) getUserInfo(userID string) (*slack.User, error) {
	cacheKey := "user_" + userID
	if user := h.userInfoCache.Get(cacheKey); user != nil {
		return user.Value(), nil
	}
	user, err := h.client.GetUserInfo(userID)
	if err != nil {
		return nil, err
	}
	h.userInfoCache.Set(cacheKey, user, ttlcache.DefaultTTL)
	return user, nil
}

func getUserPreferredName(user *slack.User) string {
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	if user.RealName != "" {
		return user.RealName
	}
	return user.Name
}

func (h *Handler) getBotUserID() string {
	if h.botID == "" {
		authResp, err := h.client.AuthTest()
		if err != nil {
			slog.Error("Failed to get bot user ID", slog.Any("err", err))
			return ""
		}
		h.botID = authResp.UserID
	}
	return h.botID
}

// parseUserRef accepts "<@U123>", "<@U123|name>" or a bare user id.
func parseUserRef(ref string) string {
	if strings.HasPrefix(ref, "<@") && strings.HasSuffix(ref, ">") {
		inner := strings.TrimSuffix(strings.TrimPrefix(ref, "<@"), ">")
		if i := strings.Index(inner, "|"); i >= 0 {
			inner = inner[:i]
		}
		return inner
	}
	if strings.HasPrefix(ref, "U") || strings.HasPrefix(ref, "W") {
		return ref
	}
	return ""
}

// parseChannelRef accepts "<#C123>", "<#C123|name>" or a bare channel id.
func parseChannelRef(ref string) string {
	if strings.HasPrefix(ref, "<#") && strings.HasSuffix(ref, ">") {
		inner := strings.TrimSuffix(strings.TrimPrefix(ref, "<#"), ">")
		if i := strings.Index(inner, "|"); i >= 0 {
			inner = inner[:i]
		}
		return inner
	}
	if strings.HasPrefix(ref, "C") || strings.HasPrefix(ref, "G") {
		return ref
	}
	return ""
}
