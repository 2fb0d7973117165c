// Package draft holds the email value objects passed between extraction and delivery.
package draft

import (
	"fmt"
	"net/mail"
	"strings"
)

// FieldError describes one invalid field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) String() string {
	return e.Field + ": " + e.Message
}

// ValidationError aggregates every violated field of a draft or its options.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.String())
	}
	return "invalid email data: " + strings.Join(parts, "; ")
}

// Has reports whether field is among the violations.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Draft is a candidate email. The zero value is not valid; use New.
type Draft struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// New trims and validates the three fields independently.
// The returned error is a *ValidationError listing every violation.
func New(to, subject, body string) (Draft, error) {
	d := Draft{
		To:      strings.TrimSpace(to),
		Subject: strings.TrimSpace(subject),
		Body:    strings.TrimSpace(body),
	}
	if err := d.Validate(); err != nil {
		return Draft{}, err
	}
	return d, nil
}

// Validate re-checks a draft that may have been built outside New.
func (d Draft) Validate() error {
	verr := &ValidationError{}
	if !IsEmail(d.To) {
		verr.add("to", fmt.Sprintf("%q is not a valid email address", d.To))
	}
	if strings.TrimSpace(d.Subject) == "" {
		verr.add("subject", "must not be empty")
	}
	if strings.TrimSpace(d.Body) == "" {
		verr.add("body", "must not be empty")
	}
	return verr.orNil()
}

// Attachment is a file carried by an outgoing email.
type Attachment struct {
	Filename    string
	Content     []byte
	ContentType string
}

// Options are the optional delivery parameters.
type Options struct {
	HTML        bool
	CC          []string
	BCC         []string
	Attachments []Attachment
}

// Validate checks every address and attachment. A nil receiver is valid.
func (o *Options) Validate() error {
	if o == nil {
		return nil
	}

	verr := &ValidationError{}
	for i, addr := range o.CC {
		if !IsEmail(addr) {
			verr.add(fmt.Sprintf("cc[%d]", i), fmt.Sprintf("%q is not a valid email address", addr))
		}
	}
	for i, addr := range o.BCC {
		if !IsEmail(addr) {
			verr.add(fmt.Sprintf("bcc[%d]", i), fmt.Sprintf("%q is not a valid email address", addr))
		}
	}
	for i, a := range o.Attachments {
		if strings.TrimSpace(a.Filename) == "" {
			verr.add(fmt.Sprintf("attachments[%d].filename", i), "must not be empty")
		}
		if len(a.Content) == 0 {
			verr.add(fmt.Sprintf("attachments[%d].content", i), "must not be empty")
		}
	}
	return verr.orNil()
}

// IsEmail reports whether s is a bare addr-spec with a dotted domain.
func IsEmail(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}

	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Name != "" || addr.Address != s {
		return false
	}

	at := strings.LastIndex(s, "@")
	domain := s[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return false
	}
	return true
}
