package webhook

// WebhookPayload represents the incoming JSON payload from WhatsApp
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Value Value  `json:"value"`
	Field string `json:"field"`
}

type Value struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts,omitempty"`
	Messages []InboundMessage `json:"messages,omitempty"`
	Statuses []StatusUpdate   `json:"statuses,omitempty"`
}

type InboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image       *MediaMessage       `json:"image,omitempty"`
	Video       *MediaMessage       `json:"video,omitempty"`
	Audio       *MediaMessage       `json:"audio,omitempty"`
	Document    *MediaMessage       `json:"document,omitempty"`
	Interactive *InteractiveMessage `json:"interactive,omitempty"`
	Button      *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button,omitempty"`
}

type StatusUpdate struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// MediaMessage represents a media attachment in a WhatsApp message
type MediaMessage struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// InteractiveMessage is a reply to buttons or a list
type InteractiveMessage struct {
	Type        string `json:"type"`
	ButtonReply *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"button_reply,omitempty"`
	ListReply *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"list_reply,omitempty"`
}

// Content flattens the message for history. The second result is the text
// keyword matching runs on, empty for media without a caption.
func (m InboundMessage) Content() (content, text string) {
	switch m.Type {
	case "text":
		if m.Text != nil {
			return m.Text.Body, m.Text.Body
		}
	case "button":
		if m.Button != nil {
			return m.Button.Text, m.Button.Text
		}
	case "interactive":
		if m.Interactive != nil {
			switch {
			case m.Interactive.ButtonReply != nil:
				return m.Interactive.ButtonReply.Title, m.Interactive.ButtonReply.Title
			case m.Interactive.ListReply != nil:
				return m.Interactive.ListReply.Title, m.Interactive.ListReply.Title
			}
		}
	case "image", "video", "audio", "document":
		media := map[string]*MediaMessage{"image": m.Image, "video": m.Video, "audio": m.Audio, "document": m.Document}[m.Type]
		if media == nil {
			break
		}
		content = "[" + m.Type + "]:" + media.ID
		switch {
		case media.Caption != "":
			content += ":" + media.Caption
		case media.Filename != "":
			content += ":" + media.Filename
		}
		return content, media.Caption
	}
	return "[" + m.Type + "]", ""
}
