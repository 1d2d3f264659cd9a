package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnknownTool          = errors.New("unknown tool")
	ErrInvalidArguments     = errors.New("invalid arguments")
	ErrToolExecutionTimeout = errors.New("tool execution timeout")
)

const (
	NavigateToSection  = "navigate_to_section"
	ClickElement       = "click_element"
	SendChatMessage    = "send_chat_message"
	FillContactForm    = "fill_contact_form"
	SubmitContactForm  = "submit_contact_form"
	ToggleTheme        = "toggle_theme"
	PlayTutorial       = "play_tutorial"
	AnalyzeVisionFrame = "analyze_vision_frame"
	DismissAssistant   = "dismiss_assistant"
)

type NavigateArgs struct {
	Section string `json:"section" validate:"required,oneof=home products tutorial policy contact footer" jsonschema:"enum=home,enum=products,enum=tutorial,enum=policy,enum=contact,enum=footer" jsonschema_description:"Page section to scroll to."`
}

type ClickArgs struct {
	TargetID string `json:"target_id" validate:"required,max=128" jsonschema:"maxLength=128" jsonschema_description:"DOM id of the element to click."`
}

type ChatMessageArgs struct {
	Message string `json:"message" validate:"required,max=2000" jsonschema:"maxLength=2000" jsonschema_description:"Text to post into the chat widget."`
}

type ContactFormArgs struct {
	Name    string `json:"name,omitempty" validate:"omitempty,max=120" jsonschema:"maxLength=120"`
	Email   string `json:"email,omitempty" validate:"omitempty,email,max=254" jsonschema:"format=email,maxLength=254"`
	Phone   string `json:"phone,omitempty" validate:"omitempty,max=32" jsonschema:"maxLength=32"`
	Message string `json:"message,omitempty" validate:"omitempty,max=2000" jsonschema:"maxLength=2000"`
}

type SubmitContactArgs struct{}

type ToggleThemeArgs struct {
	Theme string `json:"theme,omitempty" validate:"omitempty,oneof=light dark" jsonschema:"enum=light,enum=dark" jsonschema_description:"Target theme. Omit to flip the current one."`
}

type PlayTutorialArgs struct {
	CardID int `json:"card_id" validate:"required,min=1,max=6" jsonschema:"minimum=1,maximum=6" jsonschema_description:"Product card whose tutorial video should play."`
}

type VisionArgs struct {
	ImageDataURL string `json:"image_data_url" validate:"required,datauri" jsonschema_description:"Screenshot of the current view as a base64 data URL."`
	Question     string `json:"question" validate:"required,max=1000" jsonschema:"maxLength=1000" jsonschema_description:"What the visitor wants to know about the frame."`
}

type DismissArgs struct{}

// definition describes one whitelisted tool. ui tools are validated and echoed
// back for the browser to perform.
type definition struct {
	name        string
	description string
	ui          bool
	newArgs     func() any
}

var catalog = []definition{
	{NavigateToSection, "Scroll the site to a named section.", true, func() any { return &NavigateArgs{} }},
	{ClickElement, "Click an element on the current page.", true, func() any { return &ClickArgs{} }},
	{SendChatMessage, "Send a message through the text chat widget.", true, func() any { return &ChatMessageArgs{} }},
	{FillContactForm, "Fill fields of the contact form. Only provided fields are changed.", true, func() any { return &ContactFormArgs{} }},
	{SubmitContactForm, "Submit the contact form after the visitor confirms.", true, func() any { return &SubmitContactArgs{} }},
	{ToggleTheme, "Switch between light and dark theme.", true, func() any { return &ToggleThemeArgs{} }},
	{PlayTutorial, "Open and play the tutorial video of a product card.", true, func() any { return &PlayTutorialArgs{} }},
	{AnalyzeVisionFrame, "Answer a question about a screenshot of what the visitor is looking at.", false, func() any { return &VisionArgs{} }},
	{DismissAssistant, "Close the voice assistant.", true, func() any { return &DismissArgs{} }},
}

var byName = func() map[string]definition {
	m := make(map[string]definition, len(catalog))
	for _, d := range catalog {
		m[d.name] = d
	}
	return m
}()

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// Known reports whether name is on the whitelist.
func Known(name string) bool {
	_, ok := byName[name]
	return ok
}

// IsUIIntent reports whether the tool is performed by the browser.
func IsUIIntent(name string) bool {
	d, ok := byName[name]
	return ok && d.ui
}

// Decode parses and validates raw arguments for the named tool. raw may be a
// JSON object or a JSON string holding one.
func Decode(name string, raw json.RawMessage) (any, error) {
	d, ok := byName[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	body, err := normalizeArguments(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}

	args := d.newArgs()
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := validate.Struct(args); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArguments, formatValidationErrors(err))
	}
	return args, nil
}

func normalizeArguments(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []byte("{}"), nil
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, err
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			return []byte("{}"), nil
		}
		trimmed = []byte(inner)
	}
	if trimmed[0] != '{' {
		return nil, errors.New("arguments must be a JSON object")
	}
	return trimmed, nil
}

func formatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("field '%s' is required", fe.Field()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("field '%s' must be one of [%s]", fe.Field(), fe.Param()))
		case "min", "max":
			parts = append(parts, fmt.Sprintf("field '%s' failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
