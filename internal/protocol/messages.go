// ABOUTME: Wire message types exchanged with settings clients over the socket
// ABOUTME: Inbound requests are parsed and shape-checked here; outbound replies are built here

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/linksync/internal/settings"
)

// Inbound message discriminants. UpdateFromFile travels in the action field.
const (
	TypeSettingChange    = "setting_change"
	TypeCreateParameter  = "create_parameter"
	TypeCreateTab        = "create_tab"
	TypeGetParameter     = "get_parameter"
	TypeCustomCommand    = "custom_command"
	ActionUpdateFromFile = "updateFromFile"
)

// Outbound message discriminants.
const (
	TypeSettings           = "settings"
	TypeCommandResult      = "command_result"
	TypeGetParameterResult = "get_parameter_result"
	TypeUploadSettings     = "upload_settings"
)

// NotAvailable is reported by get_parameter when neither the device nor the
// store has a value.
const NotAvailable = "N/A"

// ErrMalformed is returned for payloads that cannot be parsed or lack
// required fields.
var ErrMalformed = errors.New("malformed message")

// Envelope carries the discriminants of an inbound message.
type Envelope struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
}

// Kind returns the effective discriminant, preferring type over action.
func (e Envelope) Kind() string {
	if e.Type != "" {
		return e.Type
	}
	return e.Action
}

// ParseEnvelope decodes the discriminants of a raw payload. The payload must
// be a JSON object.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env, nil
}

// SettingChange updates one parameter value.
type SettingChange struct {
	Tab      string          `json:"tab"`
	Category string          `json:"category"`
	Key      string          `json:"key"`
	Value    *settings.Value `json:"value"`
}

func (m SettingChange) validate() error {
	if err := requireFields("tab", m.Tab, "category", m.Category, "key", m.Key); err != nil {
		return err
	}
	if err := checkTab(m.Tab); err != nil {
		return err
	}
	if m.Value == nil {
		return missing("value")
	}
	return nil
}

// CreateParameter adds or redefines a parameter and its descriptor.
type CreateParameter struct {
	Tab          string               `json:"tab"`
	Category     string               `json:"category"`
	Key          string               `json:"key"`
	InitialValue *settings.Value      `json:"initialValue"`
	Meta         *settings.Descriptor `json:"meta"`
}

func (m CreateParameter) validate() error {
	if err := requireFields("tab", m.Tab, "category", m.Category, "key", m.Key); err != nil {
		return err
	}
	if err := checkTab(m.Tab); err != nil {
		return err
	}
	if m.Meta == nil {
		return missing("meta")
	}
	if err := m.Meta.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Initial returns the supplied initial value, or the zero Value if absent.
func (m CreateParameter) Initial() settings.Value {
	if m.InitialValue == nil {
		return settings.Value{}
	}
	return *m.InitialValue
}

// CreateTab adds a new, empty tab.
type CreateTab struct {
	TabName string `json:"tabName"`
}

func (m CreateTab) validate() error {
	if err := requireFields("tabName", m.TabName); err != nil {
		return err
	}
	return checkTab(m.TabName)
}

// GetParameter reads one parameter, preferring the device's live value.
type GetParameter struct {
	Tab      string `json:"tab"`
	Category string `json:"category"`
	Key      string `json:"key"`
}

func (m GetParameter) validate() error {
	if err := requireFields("tab", m.Tab, "category", m.Category, "key", m.Key); err != nil {
		return err
	}
	return checkTab(m.Tab)
}

// CustomCommand forwards an opaque command to the device.
type CustomCommand struct {
	Command json.RawMessage `json:"command"`
}

func (m CustomCommand) validate() error {
	raw := strings.TrimSpace(string(m.Command))
	if raw == "" || raw == "null" {
		return missing("command")
	}
	return nil
}

// UpdateFromFile replaces the store with an uploaded snapshot file.
type UpdateFromFile struct {
	FileName string `json:"fileName"`
}

func (m UpdateFromFile) validate() error {
	return requireFields("fileName", m.FileName)
}

// Request is implemented by every inbound message body.
type Request interface {
	validate() error
}

// Decode unmarshals data into req and checks its required fields.
func Decode(data []byte, req Request) error {
	if err := json.Unmarshal(data, req); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return req.validate()
}

func requireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return missing(pairs[i])
		}
	}
	return nil
}

func checkTab(name string) error {
	if err := settings.ValidateTabName(name); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing required field %q", ErrMalformed, field)
}

// Outbound is implemented by every message sent to clients.
type Outbound interface {
	MessageType() string
}

// Settings carries the full state of one tab.
type Settings struct {
	Type        string          `json:"type"`
	Tab         string          `json:"tab"`
	Settings    settings.Values `json:"settings"`
	SettingMeta settings.Meta   `json:"settingMeta"`
}

func (m Settings) MessageType() string { return m.Type }

// NewSettings builds a settings message for one tab.
func NewSettings(name string, tab settings.Tab) Settings {
	return Settings{
		Type:        TypeSettings,
		Tab:         name,
		Settings:    tab.Settings,
		SettingMeta: tab.SettingMeta,
	}
}

// CommandResult reports the outcome of a request to its originator.
type CommandResult struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (m CommandResult) MessageType() string { return m.Type }

// Succeeded builds a successful command_result.
func Succeeded(message string) CommandResult {
	return CommandResult{Type: TypeCommandResult, Success: true, Message: message}
}

// Failed builds a failed command_result.
func Failed(message string) CommandResult {
	return CommandResult{Type: TypeCommandResult, Success: false, Message: message}
}

// GetParameterResult answers get_parameter.
type GetParameterResult struct {
	Type      string         `json:"type"`
	Success   bool           `json:"success"`
	Category  string         `json:"category"`
	Parameter string         `json:"parameter"`
	Value     settings.Value `json:"value"`
	Message   string         `json:"message"`
}

func (m GetParameterResult) MessageType() string { return m.Type }

// NewGetParameterResult builds a reply; an invalid value is reported as N/A.
func NewGetParameterResult(category, key string, v settings.Value, message string) GetParameterResult {
	if !v.IsValid() {
		v = settings.String(NotAvailable)
	}
	return GetParameterResult{
		Type:      TypeGetParameterResult,
		Success:   true,
		Category:  category,
		Parameter: key,
		Value:     v,
		Message:   message,
	}
}

// UploadSettings carries a full multi-tab snapshot.
type UploadSettings struct {
	Type          string            `json:"type"`
	SettingsStore settings.Snapshot `json:"settingsStore"`
}

func (m UploadSettings) MessageType() string { return m.Type }

// NewUploadSettings builds an upload_settings message.
func NewUploadSettings(snap settings.Snapshot) UploadSettings {
	return UploadSettings{Type: TypeUploadSettings, SettingsStore: snap}
}
