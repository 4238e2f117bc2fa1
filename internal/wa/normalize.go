package wa

import (
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
)

// Kind is the closed set of message variants produced by Normalize.
// Downstream code matches on it exhaustively; there is no key-probing
// fallback past this point.
type Kind string

const (
	KindText          Kind = "text"
	KindImage         Kind = "image"
	KindVideo         Kind = "video"
	KindAudio         Kind = "audio"
	KindVoice         Kind = "voice"
	KindDocument      Kind = "document"
	KindSticker       Kind = "sticker"
	KindLocation      Kind = "location"
	KindContact       Kind = "contact"
	KindContacts      Kind = "contacts"
	KindButtonReply   Kind = "button_reply"
	KindListReply     Kind = "list_reply"
	KindReaction      Kind = "reaction"
	KindPoll          Kind = "poll"
	KindViewOnceImage Kind = "view_once_image"
	KindViewOnceVideo Kind = "view_once_video"
	KindUnknown       Kind = "unknown"
)

// MediaRef points at downloadable media inside a raw message.
type MediaRef struct {
	Message  whatsmeow.DownloadableMessage
	FileName string // suggested name, may be empty
	MimeType string
}

// Normalized is the typed classification of one raw message payload.
type Normalized struct {
	Kind     Kind
	Text     string // best-effort display text; empty is valid
	ViewOnce bool
	Media    *MediaRef
}

// HasMedia reports whether the variant carries downloadable bytes.
func (n *Normalized) HasMedia() bool {
	return n.Media != nil && n.Media.Message != nil
}

// Normalize unwraps protective envelope layers and classifies the real
// content into a closed variant. It is a pure function of the payload.
func Normalize(msg *waE2E.Message) *Normalized {
	msg, viewOnce := unwrap(msg, false)
	if msg == nil {
		return &Normalized{Kind: KindUnknown}
	}

	n := classify(msg)
	n.ViewOnce = n.ViewOnce || viewOnce

	// View-once detection takes priority over the content-derived kind.
	if n.ViewOnce {
		switch n.Kind {
		case KindImage:
			n.Kind = KindViewOnceImage
		case KindVideo:
			n.Kind = KindViewOnceVideo
		}
	}
	return n
}

// unwrap strips ephemeral, view-once and linked-device-relay envelopes
// until the real content is reached. Nested envelopes occur in the wild
// (e.g. a view-once message relayed from a linked device).
func unwrap(msg *waE2E.Message, viewOnce bool) (*waE2E.Message, bool) {
	for msg != nil {
		switch {
		case msg.GetEphemeralMessage().GetMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetViewOnceMessage().GetMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
			viewOnce = true
		case msg.GetViewOnceMessageV2().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
			viewOnce = true
		case msg.GetViewOnceMessageV2Extension().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2Extension().GetMessage()
			viewOnce = true
		case msg.GetDeviceSentMessage().GetMessage() != nil:
			msg = msg.GetDeviceSentMessage().GetMessage()
		case msg.GetDocumentWithCaptionMessage().GetMessage() != nil:
			msg = msg.GetDocumentWithCaptionMessage().GetMessage()
		default:
			return msg, viewOnce
		}
	}
	return nil, viewOnce
}

func classify(msg *waE2E.Message) *Normalized {
	switch {
	case msg.GetConversation() != "":
		return &Normalized{Kind: KindText, Text: msg.GetConversation()}

	case msg.GetExtendedTextMessage() != nil:
		return &Normalized{Kind: KindText, Text: msg.GetExtendedTextMessage().GetText()}

	case msg.GetReactionMessage() != nil:
		return &Normalized{Kind: KindReaction, Text: msg.GetReactionMessage().GetText()}

	case msg.GetButtonsResponseMessage() != nil:
		btn := msg.GetButtonsResponseMessage()
		text := btn.GetSelectedDisplayText()
		if text == "" {
			text = btn.GetSelectedButtonID()
		}
		return &Normalized{Kind: KindButtonReply, Text: text}

	case msg.GetListResponseMessage() != nil:
		return &Normalized{Kind: KindListReply, Text: msg.GetListResponseMessage().GetTitle()}

	case msg.GetPollCreationMessage() != nil:
		return &Normalized{Kind: KindPoll, Text: msg.GetPollCreationMessage().GetName()}

	case msg.GetPollCreationMessageV2() != nil:
		return &Normalized{Kind: KindPoll, Text: msg.GetPollCreationMessageV2().GetName()}

	case msg.GetPollCreationMessageV3() != nil:
		return &Normalized{Kind: KindPoll, Text: msg.GetPollCreationMessageV3().GetName()}

	case msg.GetLocationMessage() != nil:
		loc := msg.GetLocationMessage()
		return &Normalized{
			Kind: KindLocation,
			Text: fmt.Sprintf("%.6f,%.6f", loc.GetDegreesLatitude(), loc.GetDegreesLongitude()),
		}

	case msg.GetContactMessage() != nil:
		return &Normalized{Kind: KindContact, Text: msg.GetContactMessage().GetDisplayName()}

	case msg.GetContactsArrayMessage() != nil:
		return &Normalized{Kind: KindContacts, Text: msg.GetContactsArrayMessage().GetDisplayName()}

	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		return &Normalized{
			Kind:  KindImage,
			Text:  img.GetCaption(),
			Media: &MediaRef{Message: img, MimeType: img.GetMimetype()},
		}

	case msg.GetVideoMessage() != nil:
		vid := msg.GetVideoMessage()
		return &Normalized{
			Kind:  KindVideo,
			Text:  vid.GetCaption(),
			Media: &MediaRef{Message: vid, MimeType: vid.GetMimetype()},
		}

	case msg.GetAudioMessage() != nil:
		aud := msg.GetAudioMessage()
		kind := KindAudio
		// Push-to-talk distinguishes a voice note from an audio file.
		if aud.GetPTT() {
			kind = KindVoice
		}
		return &Normalized{
			Kind:  kind,
			Media: &MediaRef{Message: aud, MimeType: aud.GetMimetype()},
		}

	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		text := doc.GetCaption()
		if text == "" {
			text = doc.GetFileName()
		}
		return &Normalized{
			Kind:  KindDocument,
			Text:  text,
			Media: &MediaRef{Message: doc, FileName: doc.GetFileName(), MimeType: doc.GetMimetype()},
		}

	case msg.GetStickerMessage() != nil:
		stk := msg.GetStickerMessage()
		return &Normalized{
			Kind:  KindSticker,
			Media: &MediaRef{Message: stk, MimeType: stk.GetMimetype()},
		}

	default:
		return &Normalized{Kind: KindUnknown}
	}
}
