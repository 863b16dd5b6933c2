package service

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/damoang/bagtag-backend/internal/domain"
)

// NotificationData 알림 본문 구성 입력
type NotificationData struct {
	Kind          domain.NotificationKind
	Context       domain.MessageContext
	RecipientRole domain.Role
	BagShortID    string
	OwnerName     string
	FinderName    string
	Link          string
}

// RenderedNotification 제목과 본문
type RenderedNotification struct {
	Subject  string
	HTMLBody string
	TextBody string
}

type notificationView struct {
	Heading string
	Body    string
	Link    string
	Action  string
}

var notificationHTML = htmltemplate.Must(htmltemplate.New("notification").Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif">
<h2>{{.Heading}}</h2>
<p>{{.Body}}</p>
{{if .Link}}<p><a href="{{.Link}}">{{.Action}}</a></p>{{end}}
<p style="color:#888;font-size:12px">Reply through the secure link only. Your email address is never shared.</p>
</body></html>`))

var notificationText = texttemplate.Must(texttemplate.New("notification").Parse(`{{.Heading}}

{{.Body}}
{{if .Link}}
{{.Action}}: {{.Link}}
{{end}}`))

// NotificationBuilder 알림 종류와 메시지 맥락에 따라 문구를 만든다.
// 실명은 follow-up / response 맥락에서만 노출한다.
type NotificationBuilder struct{}

// NewNotificationBuilder creates a NotificationBuilder
func NewNotificationBuilder() *NotificationBuilder {
	return &NotificationBuilder{}
}

// Build renders subject, HTML and text bodies
func (b *NotificationBuilder) Build(d NotificationData) (*RenderedNotification, error) {
	subject, view := b.compose(d)

	var html, text bytes.Buffer
	if err := notificationHTML.Execute(&html, view); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	if err := notificationText.Execute(&text, view); err != nil {
		return nil, fmt.Errorf("render text: %w", err)
	}
	return &RenderedNotification{
		Subject:  subject,
		HTMLBody: html.String(),
		TextBody: strings.TrimSpace(text.String()) + "\n",
	}, nil
}

func (b *NotificationBuilder) compose(d NotificationData) (string, notificationView) {
	personal := d.Context == domain.ContextFollowUp || d.Context == domain.ContextResponse
	tag := d.BagShortID
	view := notificationView{Link: d.Link, Action: "Open conversation"}

	switch d.Kind {
	case domain.KindNewConversation:
		view.Heading = "Someone found your bag"
		view.Body = fmt.Sprintf("A finder sent a message about your tag %s. Open the conversation to reply.", tag)
		return view.Heading, view

	case domain.KindFinderWelcome:
		view.Heading = "Your message was delivered"
		view.Body = "The bag owner has been notified. Use this link to come back to the conversation."
		return view.Heading, view

	case domain.KindResolved:
		view.Heading = "Conversation resolved"
		view.Body = fmt.Sprintf("The owner of tag %s marked your conversation as resolved. Thank you for helping.", tag)
		view.Link = ""
		return view.Heading, view
	}

	// KindNewMessage
	if d.RecipientRole == domain.RoleFinder {
		switch {
		case personal && d.OwnerName != "":
			view.Heading = fmt.Sprintf("%s sent you a message", d.OwnerName)
		case personal:
			view.Heading = "The bag owner sent you another message"
		default:
			view.Heading = "The bag owner responded"
		}
		view.Body = "You have a new message about the bag you found."
		return view.Heading, view
	}

	switch {
	case personal && d.FinderName != "":
		view.Heading = fmt.Sprintf("%s sent you a message", d.FinderName)
	case personal:
		view.Heading = "The finder sent you another message"
	default:
		view.Heading = "New message about your bag"
	}
	view.Body = fmt.Sprintf("You have a new message about your tag %s.", tag)
	return view.Heading, view
}
