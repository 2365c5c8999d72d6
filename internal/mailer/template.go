package mailer

import (
	"bytes"
	"context"
	"fmt"
	htmlTemplate "html/template"
	"strings"
	textTemplate "text/template"

	"github.com/foxzi/drip/internal/model"
)

// Template is a named subject/text/html triple
type Template struct {
	Subject string
	Text    string
	HTML    string
}

// Validate checks template syntax
func (t *Template) Validate() error {
	if t.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if _, err := textTemplate.New("subject").Parse(t.Subject); err != nil {
		return fmt.Errorf("invalid subject template: %w", err)
	}
	if t.HTML != "" {
		if _, err := htmlTemplate.New("html").Parse(t.HTML); err != nil {
			return fmt.Errorf("invalid html template: %w", err)
		}
	}
	if t.Text != "" {
		if _, err := textTemplate.New("text").Parse(t.Text); err != nil {
			return fmt.Errorf("invalid text template: %w", err)
		}
	}
	return nil
}

// SubscriptionGetter loads the subscription a mailing belongs to
type SubscriptionGetter interface {
	GetSubscription(ctx context.Context, id string) (*model.Subscription, error)
}

// TemplateMailer builds messages from templates. Recipients are the
// subscription's subscriber ID.
type TemplateMailer struct {
	From      string
	BaseURL   string
	Templates map[string]*Template
	Subs      SubscriptionGetter
}

// Action returns a mailer action rendering the named template. A "template"
// option on the drip overrides the name.
func (tm *TemplateMailer) Action(name string) Action {
	return func(ctx context.Context, in Input) (*Message, error) {
		m := in.Mailing(ctx)
		if m == nil {
			return nil, fmt.Errorf("template %s: no mailing in input", name)
		}

		tmplName := name
		if v := in.Options["template"]; v != "" {
			tmplName = v
		}
		tmpl, ok := tm.Templates[tmplName]
		if !ok {
			return nil, fmt.Errorf("template %s not found", tmplName)
		}

		sub, err := tm.Subs.GetSubscription(ctx, m.SubscriptionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load subscription %s: %w", m.SubscriptionID, err)
		}

		data := map[string]interface{}{
			"Subscription":   sub,
			"Mailing":        m,
			"Options":        in.Options,
			"UnsubscribeURL": tm.UnsubscribeURL(sub),
		}

		msg, err := Render(tmpl, data)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", tmplName, err)
		}
		msg.From = tm.From
		msg.To = []string{sub.SubscriberID}
		msg.Headers = map[string]string{
			"List-Unsubscribe": "<" + tm.UnsubscribeURL(sub) + ">",
		}
		return msg, nil
	}
}

// UnsubscribeURL returns the token link that unsubscribes sub
func (tm *TemplateMailer) UnsubscribeURL(sub *model.Subscription) string {
	return strings.TrimSuffix(tm.BaseURL, "/") + "/subscriptions/" + sub.Token + "/unsubscribe"
}

// Render renders tmpl with data into an unbound message
func Render(tmpl *Template, data map[string]interface{}) (*Message, error) {
	msg := &Message{}

	subject, err := renderText("subject", tmpl.Subject, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	msg.Subject = strings.TrimSpace(subject)

	// HTML uses html/template for auto-escaping
	if tmpl.HTML != "" {
		html, err := renderHTML("html", tmpl.HTML, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render html: %w", err)
		}
		msg.HTML = html
	}

	if tmpl.Text != "" {
		text, err := renderText("text", tmpl.Text, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render text: %w", err)
		}
		msg.Text = text
	}

	return msg, nil
}

func renderText(name, tmplStr string, data map[string]interface{}) (string, error) {
	t, err := textTemplate.New(name).Option("missingkey=error").Parse(tmplStr)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderHTML(name, tmplStr string, data map[string]interface{}) (string, error) {
	t, err := htmlTemplate.New(name).Option("missingkey=error").Parse(tmplStr)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
