// Package whatsapp sends messages through the WhatsApp Cloud API on behalf
// of a stored account.
package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"whatsapp-automation/internal/automation"
	"whatsapp-automation/internal/models"
	"whatsapp-automation/internal/store"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultTemplateLanguage = "pt_BR"

type Client struct {
	http         *resty.Client
	store        store.Store
	defaultToken string
}

var _ automation.Transport = (*Client)(nil)

// NewClient talks to baseURL (for example https://graph.facebook.com/v19.0).
// defaultToken is used for accounts that carry no access token of their own.
func NewClient(baseURL, defaultToken string, st store.Store) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetTimeout(15 * time.Second)

	return &Client{http: client, store: st, defaultToken: defaultToken}
}

// --- Message Structures ---

type GenericMessage struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type,omitempty"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             *TextObj     `json:"text,omitempty"`
	Image            *MediaObj    `json:"image,omitempty"`
	Video            *MediaObj    `json:"video,omitempty"`
	Audio            *MediaObj    `json:"audio,omitempty"`
	Document         *MediaObj    `json:"document,omitempty"`
	Template         *TemplateObj `json:"template,omitempty"`
}

type TextObj struct {
	Body       string `json:"body"`
	PreviewUrl bool   `json:"preview_url,omitempty"`
}

type MediaObj struct {
	Link     string `json:"link,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"` // documents only
}

type TemplateObj struct {
	Name     string      `json:"name"`
	Language LanguageObj `json:"language"`
}

type LanguageObj struct {
	Code string `json:"code"`
}

type sendResponse struct {
	Messages []struct {
		ID            string `json:"id"`
		MessageStatus string `json:"message_status"`
	} `json:"messages"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// BuildMessage maps an outbound message onto the Cloud API payload. Template
// content is "name" or "name:language".
func BuildMessage(msg automation.OutboundMessage) (GenericMessage, error) {
	out := GenericMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.To,
		Type:             msg.Type,
	}
	if out.Type == "" {
		out.Type = "text"
	}

	media := &MediaObj{Link: msg.MediaURL}
	switch out.Type {
	case "text":
		out.Text = &TextObj{Body: msg.Content, PreviewUrl: strings.Contains(msg.Content, "http")}
		return out, nil
	case "template":
		name, lang, found := strings.Cut(msg.Content, ":")
		if !found || lang == "" {
			lang = defaultTemplateLanguage
		}
		out.Template = &TemplateObj{Name: strings.TrimSpace(name), Language: LanguageObj{Code: lang}}
		return out, nil
	}

	if msg.MediaURL == "" {
		return out, errors.Wrapf(automation.ErrStepPayloadInvalid, "%s message needs a media url", out.Type)
	}
	switch out.Type {
	case "image":
		media.Caption = msg.Content
		out.Image = media
	case "video":
		media.Caption = msg.Content
		out.Video = media
	case "audio":
		out.Audio = media
	case "document":
		media.Caption = msg.Content
		media.Filename = fileName(msg.MediaURL)
		out.Document = media
	default:
		return out, errors.Wrapf(automation.ErrStepPayloadInvalid, "unsupported message type %q", out.Type)
	}
	return out, nil
}

func fileName(link string) string {
	link, _, _ = strings.Cut(link, "?")
	if i := strings.LastIndex(link, "/"); i >= 0 {
		return link[i+1:]
	}
	return link
}

func (c *Client) token(a models.Account) string {
	if a.AccessToken != "" {
		return a.AccessToken
	}
	return c.defaultToken
}

// IsAccountUsable reports whether the account is connected and has the
// credentials a send needs
func (c *Client) IsAccountUsable(ctx context.Context, accountID uint) bool {
	a, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		return false
	}
	return a.Status == models.AccountConnected && a.PhoneNumberID != "" && c.token(a) != ""
}

// SendMessage posts one message. A rejected send comes back as an
// unsuccessful result together with an error wrapping ErrProviderSendFailed.
func (c *Client) SendMessage(ctx context.Context, msg automation.OutboundMessage) (automation.SendResult, error) {
	a, err := c.store.GetAccount(ctx, msg.AccountID)
	if err != nil {
		return automation.SendResult{Error: err.Error()}, errors.Wrapf(automation.ErrChannelUnavailable, "account %d: %v", msg.AccountID, err)
	}
	if a.PhoneNumberID == "" || c.token(a) == "" {
		return automation.SendResult{Error: "account has no credentials"}, errors.Wrapf(automation.ErrChannelUnavailable, "account %d has no credentials", a.ID)
	}

	payload, err := BuildMessage(msg)
	if err != nil {
		return automation.SendResult{Error: err.Error()}, err
	}

	var (
		result sendResponse
		apiErr apiError
	)
	url := fmt.Sprintf("/%s/messages", a.PhoneNumberID)
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.token(a)).
		SetBody(payload).
		SetResult(&result).
		SetError(&apiErr).
		Post(url)

	if err != nil {
		log.Error().Err(err).Uint("accountID", a.ID).Str("to", msg.To).Msg("WhatsApp API: send request failed")
		return automation.SendResult{Error: err.Error()}, errors.Wrap(automation.ErrProviderSendFailed, err.Error())
	}
	if resp.IsError() {
		reason := apiErr.Error.Message
		if reason == "" {
			reason = resp.String()
		}
		log.Error().
			Uint("accountID", a.ID).
			Str("to", msg.To).
			Int("statusCode", resp.StatusCode()).
			Int("code", apiErr.Error.Code).
			Str("responseBody", resp.String()).
			Msg("WhatsApp API: send returned an error")
		return automation.SendResult{Error: reason}, errors.Wrapf(automation.ErrProviderSendFailed, "status %d: %s", resp.StatusCode(), reason)
	}
	if len(result.Messages) == 0 || result.Messages[0].ID == "" {
		return automation.SendResult{Error: "response carried no message id"}, errors.Wrap(automation.ErrProviderSendFailed, "response carried no message id")
	}

	log.Debug().Uint("accountID", a.ID).Str("to", msg.To).Str("wamid", result.Messages[0].ID).Msg("WhatsApp message sent")
	return automation.SendResult{Success: true, ProviderMessageID: result.Messages[0].ID}, nil
}
