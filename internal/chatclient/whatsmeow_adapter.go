package chatclient

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"
)

// WhatsmeowClient adapts go.mau.fi/whatsmeow to the chatclient.Client
// contract. Each instance owns exactly one device store rooted at
// {authDir}/session-{agentID}/store.db, mirroring the on-disk auth store
// layout the spec describes for the embedded browser client.
type WhatsmeowClient struct {
	agentID string
	authDir string

	client *whatsmeow.Client
}

// NewWhatsmeowFactory returns a chatclient.Factory producing
// WhatsmeowClient instances.
func NewWhatsmeowFactory() Factory {
	return func(agentID, authDir string) Client {
		return &WhatsmeowClient{agentID: agentID, authDir: authDir}
	}
}

func (w *WhatsmeowClient) storePath() string {
	return filepath.Join(w.authDir, "session-"+w.agentID, "store.db")
}

func (w *WhatsmeowClient) Initialize(ctx context.Context, onEvent func(Event)) error {
	dbLog := waLog.Stdout("Database", "ERROR", true)

	if err := os.MkdirAll(filepath.Dir(w.storePath()), 0o700); err != nil {
		return fmt.Errorf("failed to create device store directory: %w", err)
	}

	rawDB, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_foreign_keys=on", w.storePath()))
	if err != nil {
		return fmt.Errorf("failed to open device store: %w", err)
	}

	container := sqlstore.NewWithDB(rawDB, "sqlite", dbLog)
	if err := container.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade device store schema: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device: %w", err)
	}

	clientLog := waLog.Stdout("Client", "WARN", true)
	w.client = whatsmeow.NewClient(deviceStore, clientLog)

	w.client.AddEventHandler(func(evt interface{}) {
		if e, ok := translateEvent(evt); ok {
			onEvent(e)
		}
	})

	if w.client.Store.ID == nil {
		qrChan, _ := w.client.GetQRChannel(ctx)
		if err := w.client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		go func() {
			for evt := range qrChan {
				switch evt.Event {
				case "code":
					onEvent(Event{Kind: EventQR, QRCode: evt.Code})
				case "timeout":
					onEvent(Event{Kind: EventDisconnected, Reason: "qr timeout"})
				}
			}
		}()
		return nil
	}

	return w.client.Connect()
}

func translateEvent(evt interface{}) (Event, bool) {
	switch v := evt.(type) {
	case *events.Connected:
		return Event{Kind: EventReady}, true
	case *events.LoggedOut:
		return Event{Kind: EventAuthFailure, Reason: v.Reason.String()}, true
	case *events.Disconnected:
		return Event{Kind: EventDisconnected, Reason: "disconnected"}, true
	case *events.Message:
		return Event{Kind: EventMessage, Message: translateMessage(v)}, true
	default:
		return Event{}, false
	}
}

func translateMessage(evt *events.Message) *InboundMessage {
	chatType := "chat"
	if evt.Info.Chat.Server == types.BroadcastServer {
		chatType = "broadcast"
	}

	body := evt.Message.GetConversation()
	if body == "" && evt.Message.GetExtendedTextMessage() != nil {
		body = evt.Message.GetExtendedTextMessage().GetText()
	}

	var mentioned []string
	if ext := evt.Message.GetExtendedTextMessage(); ext != nil && ext.GetContextInfo() != nil {
		mentioned = ext.GetContextInfo().GetMentionedJID()
	}

	return &InboundMessage{
		From:         evt.Info.Chat.String(),
		FromMe:       evt.Info.IsFromMe,
		Type:         chatType,
		IsStatus:     evt.Info.Chat.Server == types.BroadcastServer && evt.Info.Chat.User == "status",
		IsChannel:    strings.HasSuffix(evt.Info.Chat.String(), "@newsletter"),
		Body:         body,
		MentionedIDs: mentioned,
		WhatsAppName: evt.Info.PushName,
	}
}

func (w *WhatsmeowClient) SendMessage(ctx context.Context, to, body string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("invalid destination jid: %w", err)
	}
	_, err = w.client.SendMessage(ctx, jid, &waProto.Message{
		Conversation: proto.String(body),
	})
	return err
}

func (w *WhatsmeowClient) SendImage(ctx context.Context, to string, data []byte, mimeType, filename, caption string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("invalid destination jid: %w", err)
	}

	uploaded, err := w.client.Upload(ctx, data, whatsmeow.MediaImage)
	if err != nil {
		return fmt.Errorf("failed to upload media: %w", err)
	}

	_, err = w.client.SendMessage(ctx, jid, &waProto.Message{
		ImageMessage: &waProto.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    proto.Uint64(uploaded.FileLength),
		},
	})
	return err
}

func (w *WhatsmeowClient) SendChatPresence(ctx context.Context, to string, composing bool) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("invalid destination jid: %w", err)
	}
	state := types.ChatPresencePaused
	if composing {
		state = types.ChatPresenceComposing
	}
	return w.client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

func (w *WhatsmeowClient) Destroy(ctx context.Context) error {
	if w.client != nil {
		w.client.Disconnect()
	}
	return nil
}

// EncodeQRPNG renders a raw QR payload to a base64 PNG at
// error-correction level M, the encoding the spec's QR rendezvous
// requires.
func EncodeQRPNG(raw string) (string, error) {
	qr, err := qrcode.New(raw, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to build qr code: %w", err)
	}

	img := qr.Image(256)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode qr png: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
