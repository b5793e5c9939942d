package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"relay/pkg/api"
	"relay/pkg/attachments"
	"relay/pkg/llm"
	"relay/pkg/metadata"
	"relay/pkg/stream"
	"relay/pkg/utils"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	thinkingHeader = "💭 Thinking\n\n"
	stoppedNote    = "_(stopped)_"
	mediaGroupWait = time.Second
)

// TelegramConfig encapsulates the credentials required to authenticate with
// the Telegram Bot API.
type TelegramConfig struct {
	Token    string `json:"token"` // The secret BOT API string provided by @BotFather
	Disabled bool   `json:"disabled"`
}

// botClient is the part of tgbotapi.BotAPI the channel uses.
type botClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

// TelegramChannel is the production implementation of api.Channel for
// the Telegram platform. It handles multi-modal message reception,
// media group buffering (albums), and rendering of finished replies.
type TelegramChannel struct {
	config       TelegramConfig               // Auth credentials
	bot          botClient                    // Underlying Telegram SDK client
	transport    *http.Transport              // Transport of the bot client, closed on Stop
	store        *attachments.Resolver        // Downloads and stores incoming media
	fileEndpoint string                       // Sprintf pattern of file download links
	messageLimit int                          // Maximum character count per single message bubble
	mediaGroups  map[string]*mediaGroupBuffer // Buffer for grouping multiple files sent together
	mu           sync.Mutex                   // Protects concurrent access to internal buffers
	stopCtx      context.Context              // Context used to forcibly abort the long-polling HTTP request
	stopCancel   context.CancelFunc           // Function to trigger the abort
}

// remoteFile identifies a file to fetch from Telegram.
type remoteFile struct {
	id   string
	name string
	mime string
}

// mediaGroupBuffer aggregates multiple incoming messages marked with the
// same MediaGroupID into a single UnifiedMessage. This ensures multi-image
// posts are processed as a single atomic context by the model.
type mediaGroupBuffer struct {
	session api.SessionContext // Target session metadata
	content string             // Aggregated caption text
	files   []remoteFile       // Collection of file identifiers
	timer   *time.Timer        // Debounce timer for finishing the group
}

func NewTelegramChannel(cfg TelegramConfig, msgLimit int, store *attachments.Resolver) (*TelegramChannel, error) {
	ctx, cancel := context.WithCancel(context.Background())

	// By tying the DialContext to stopCtx, active long-polling requests are
	// aborted when Stop() is called, preventing the 409 Conflict on reload.
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext: func(dialCtx context.Context, network, addr string) (net.Conn, error) {
			mergedCtx, mergedCancel := context.WithCancel(dialCtx)
			go func() {
				select {
				case <-ctx.Done():
					mergedCancel()
				case <-mergedCtx.Done():
				}
			}()
			return dialer.DialContext(mergedCtx, network, addr)
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, &http.Client{
		Timeout:   90 * time.Second,
		Transport: transport,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	slog.Info("Telegram bot authorized", "username", bot.Self.UserName)

	t := newTelegramChannel(ctx, cancel, cfg, bot, msgLimit, store)
	t.transport = transport
	return t, nil
}

func newTelegramChannel(ctx context.Context, cancel context.CancelFunc, cfg TelegramConfig, bot botClient, msgLimit int, store *attachments.Resolver) *TelegramChannel {
	return &TelegramChannel{
		config:       cfg,
		bot:          bot,
		store:        store,
		fileEndpoint: tgbotapi.FileEndpoint,
		messageLimit: msgLimit,
		mediaGroups:  make(map[string]*mediaGroupBuffer),
		stopCtx:      ctx,
		stopCancel:   cancel,
	}
}

// ID returns the unique platform identifier "telegram".
func (t *TelegramChannel) ID() string {
	return "telegram"
}

// Start initiates the long-polling update loop in a background goroutine.
func (t *TelegramChannel) Start(ctx api.ChannelContext) error {
	go func() {
		offset := 0
		for {
			select {
			case <-t.stopCtx.Done():
				return
			default:
			}

			reqConfig := tgbotapi.NewUpdate(offset)
			reqConfig.Timeout = 60

			updates, err := t.bot.GetUpdates(reqConfig)
			if err != nil {
				select {
				case <-t.stopCtx.Done():
					return // Ignore error if we are shutting down
				default:
					slog.Debug("Failed to get telegram updates", "error", err)
					time.Sleep(3 * time.Second)
					continue
				}
			}

			for _, update := range updates {
				if update.UpdateID < offset {
					continue
				}
				offset = update.UpdateID + 1
				if update.Message != nil {
					t.handleMessage(ctx, update.Message)
				}
			}
		}
	}()

	return nil
}

// handleMessage maps text, photos, documents and albums into UnifiedMessages.
func (t *TelegramChannel) handleMessage(ctx api.ChannelContext, m *tgbotapi.Message) {
	if m.From == nil || m.Chat == nil {
		return
	}
	session := api.SessionContext{
		ChannelID: t.ID(),
		UserID:    strconv.FormatInt(m.From.ID, 10),
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		Username:  m.From.UserName,
	}

	content := m.Text
	if content == "" {
		content = m.Caption
	}
	content = normalizeCommand(content)

	var file *remoteFile
	switch {
	case len(m.Photo) > 0:
		file = &remoteFile{id: m.Photo[len(m.Photo)-1].FileID}
	case m.Document != nil:
		file = &remoteFile{id: m.Document.FileID, name: m.Document.FileName, mime: m.Document.MimeType}
	}

	if m.MediaGroupID != "" {
		t.handleMediaGroup(ctx, m.MediaGroupID, session, content, file)
		return
	}

	if file == nil {
		ctx.OnMessage(t.ID(), &api.UnifiedMessage{Session: session, Content: content, Raw: m})
		return
	}

	// Download asynchronously to avoid blocking the update loop
	go func() {
		msg := &api.UnifiedMessage{Session: session, Content: content, Raw: m}
		if att, err := t.download(*file); err == nil {
			msg.Files = append(msg.Files, att)
		} else {
			slog.Error("Telegram file download failed", "file_id", file.id, "error", err)
		}
		ctx.OnMessage(t.ID(), msg)
	}()
}

// normalizeCommand strips the bot mention from commands such as "/stop@mybot".
func normalizeCommand(text string) string {
	if !strings.HasPrefix(text, "/") {
		return text
	}
	cmd, rest, _ := strings.Cut(text, " ")
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	if rest == "" {
		return cmd
	}
	return cmd + " " + rest
}

// download fetches a Telegram file into the attachments store.
func (t *TelegramChannel) download(f remoteFile) (api.FileAttachment, error) {
	info, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: f.id})
	if err != nil {
		return api.FileAttachment{}, fmt.Errorf("failed to get file info: %w", err)
	}

	name := f.name
	if name == "" {
		name = info.FilePath
	}
	path, mimeType, err := t.store.Download(t.stopCtx, fmt.Sprintf(t.fileEndpoint, t.config.Token, info.FilePath), name)
	if err != nil {
		return api.FileAttachment{}, err
	}
	if f.mime != "" && !utils.IsImageMime(mimeType) {
		mimeType = f.mime
	}
	return api.FileAttachment{Filename: name, MimeType: mimeType, Path: path}, nil
}

func (t *TelegramChannel) handleMediaGroup(ctx api.ChannelContext, groupID string, session api.SessionContext, text string, file *remoteFile) {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf, ok := t.mediaGroups[groupID]
	if ok {
		if text != "" {
			if buf.content != "" {
				buf.content += "\n" + text
			} else {
				buf.content = text
			}
		}
		if file != nil {
			buf.files = append(buf.files, *file)
		}
		buf.timer.Reset(mediaGroupWait)
		return
	}

	buf = &mediaGroupBuffer{session: session, content: text}
	if file != nil {
		buf.files = append(buf.files, *file)
	}
	t.mediaGroups[groupID] = buf
	buf.timer = time.AfterFunc(mediaGroupWait, func() { t.flushMediaGroup(ctx, groupID) })
}

func (t *TelegramChannel) flushMediaGroup(ctx api.ChannelContext, groupID string) {
	t.mu.Lock()
	buf, ok := t.mediaGroups[groupID]
	delete(t.mediaGroups, groupID)
	t.mu.Unlock()
	if !ok {
		return
	}

	// Download all files in parallel
	var wg sync.WaitGroup
	files := make([]api.FileAttachment, len(buf.files))
	for i, f := range buf.files {
		wg.Add(1)
		go func() {
			defer wg.Done()
			att, err := t.download(f)
			if err != nil {
				slog.Error("MediaGroup download failed", "file_id", f.id, "error", err)
				return
			}
			files[i] = att
		}()
	}
	wg.Wait()

	var stored []api.FileAttachment
	for _, f := range files {
		if f.Path != "" {
			stored = append(stored, f)
		}
	}

	ctx.OnMessage(t.ID(), &api.UnifiedMessage{
		Session: buf.session,
		Content: buf.content,
		Files:   stored,
	})
	slog.Info("MediaGroup sent", "group", groupID, "files", fmt.Sprintf("%d/%d", len(stored), len(buf.files)), "content_len", len(buf.content))
}

func (t *TelegramChannel) Stop() error {
	t.stopCancel()
	if t.transport != nil {
		t.transport.CloseIdleConnections()
	}
	return nil
}

func chatIDOf(session api.SessionContext) (int64, error) {
	chatID, err := strconv.ParseInt(session.ChatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id for telegram: %s", session.ChatID)
	}
	return chatID, nil
}

// SendSignal implements the api.SignalingChannel interface
func (t *TelegramChannel) SendSignal(session api.SessionContext, signal string) error {
	chatID, err := chatIDOf(session)
	if err != nil {
		return err
	}
	switch signal {
	case api.SignalThinking:
		_, err = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
		return err
	case api.SignalReset:
		return t.Send(session, "History cleared.")
	}
	return nil
}

// Send delivers plain text, split into bubbles of at most messageLimit.
func (t *TelegramChannel) Send(session api.SessionContext, message string) error {
	chatID, err := chatIDOf(session)
	if err != nil {
		return err
	}
	for i, part := range splitMessage(message, t.messageLimit) {
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("telegram send failed at part %d: %w", i, err)
		}
	}
	return nil
}

// sendMarkdown renders each bubble as HTML, falling back to plain text when
// Telegram rejects the markup.
func (t *TelegramChannel) sendMarkdown(chatID int64, text string) error {
	for i, part := range splitMessage(text, t.messageLimit) {
		msg := tgbotapi.NewMessage(chatID, renderHTML(part))
		msg.ParseMode = tgbotapi.ModeHTML
		_, err := t.bot.Send(msg)
		if err == nil {
			continue
		}
		slog.Warn("Telegram rejected HTML, sending plain text", "part", i, "error", err)
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("telegram send failed at part %d: %w", i, err)
		}
	}
	return nil
}

// Stream implements the streaming response protocol for Telegram.
// Telegram has no cheap mid-message updates, so the paced chunks are
// accumulated and the reply is sent once the stream ends: an optional
// thinking bubble, the answer rendered from Markdown, and its sources.
func (t *TelegramChannel) Stream(session api.SessionContext, chunks <-chan stream.Chunk) error {
	chatID, err := chatIDOf(session)
	if err != nil {
		return err
	}

	var raw strings.Builder
	var meta *metadata.Metadata
	var streamErr error
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			streamErr = chunk.Err
		case chunk.IsMetadata():
			meta = chunk.Metadata
		default:
			raw.WriteString(chunk.Text)
		}
	}

	thinking, answer := formatReply(raw.String(), meta, streamErr)
	if thinking != "" {
		if err := t.Send(session, thinkingHeader+thinking); err != nil {
			slog.Error("Failed to send thinking", "error", err)
		}
	}
	if answer == "" {
		return nil
	}
	return t.sendMarkdown(chatID, answer)
}

// formatReply splits the accumulated text into thinking and the Markdown
// answer. A reply without metadata and without error was stopped.
func formatReply(raw string, meta *metadata.Metadata, streamErr error) (string, string) {
	extracted := metadata.ExtractThinking(raw)
	thinking, answer := extracted.Thinking, strings.TrimSpace(extracted.Content)

	// A stopped reply may end inside an open thinking span.
	if i := strings.LastIndex(answer, llm.ThinkOpenTag); i >= 0 {
		if rest := strings.TrimSpace(answer[i+len(llm.ThinkOpenTag):]); rest != "" {
			if thinking != "" {
				thinking += metadata.ThinkingSeparator
			}
			thinking += rest
		}
		answer = strings.TrimSpace(answer[:i])
	}
	if meta != nil && meta.Thinking != "" {
		thinking = meta.Thinking
	}

	var sb strings.Builder
	sb.WriteString(answer)
	switch {
	case streamErr != nil:
		sb.WriteString("\n\n⚠️ " + streamErr.Error())
	case meta == nil && answer != "":
		sb.WriteString("\n\n" + stoppedNote)
	case meta != nil && len(meta.Citations) > 0:
		sb.WriteString("\n\n**Sources**\n")
		for i, c := range meta.Citations {
			title := c.Title
			if title == "" {
				title = c.URL
			}
			n := c.Number
			if n == 0 {
				n = i + 1
			}
			fmt.Fprintf(&sb, "\n%d. [%s](%s)", n, title, c.URL)
		}
	}
	return thinking, strings.TrimSpace(sb.String())
}
