package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Func is the operation tag carried by every wire message.
type Func string

const (
	FuncDir          Func = "dir"
	FuncFile         Func = "file"
	FuncBack         Func = "back"
	FuncForward      Func = "forward"
	FuncEditFile     Func = "editFile"
	FuncNumJSClients Func = "numJSClients"
	funcError        Func = "error"
)

// Role is the self-declared connection role sent in the "client" field.
type Role string

const (
	RoleConsumer Role = "js"
	RoleProducer Role = "py"
)

// Virtual filenames for content that does not live on disk.
const (
	filenamePipe = "@pipe"
	filenamePut  = "@put"
)

var (
	ErrValidation  = errors.New("invalid message")
	ErrUnknownRole = errors.New("not a valid client identifier")
)

// ViewState is the shared current view. The JSON field names are the wire format.
type ViewState struct {
	Client       Role   `json:"client"`
	Func         Func   `json:"func"`
	Cwd          string `json:"cwd"`
	CwdBody      string `json:"cwdBody"`
	CwdEncoded   bool   `json:"cwdEncoded"`
	Filename     string `json:"filename"`
	FileBody     string `json:"fileBody"`
	FileCwd      string `json:"fileCwd"`
	FileOpen     bool   `json:"fileOpen"`
	FileEncoding string `json:"fileEncoding"`
	FileEncoded  bool   `json:"fileEncoded"`
}

// isVirtual reports whether the open file is piped or PUT content.
func (v ViewState) isVirtual() bool {
	return v.Filename == filenamePipe || v.Filename == filenamePut
}

// directoryOnly returns a copy of v with every file field cleared.
func (v ViewState) directoryOnly() ViewState {
	return ViewState{
		Client:     RoleProducer,
		Func:       FuncDir,
		Cwd:        v.Cwd,
		CwdBody:    v.CwdBody,
		CwdEncoded: v.CwdEncoded,
	}
}

// Message is one decoded wire message. The concrete types are
// *NavigateMessage, *BackMessage, *ForwardMessage, *EditFileMessage
// and *NumClientsMessage.
type Message interface {
	Kind() Func
}

// NavigateMessage is a "dir" or "file" message: a complete ViewState plus
// an optional request to close the open file.
type NavigateMessage struct {
	ViewState
	ForceClose bool `json:"forceClose,omitempty"`
}

func (m *NavigateMessage) Kind() Func { return m.Func }

// Validate checks the fields a navigation cannot do without. Decoded
// messages are validated before their cwd is normalized.
func (m *NavigateMessage) Validate() error {
	if m.Func != FuncDir && m.Func != FuncFile {
		return fmt.Errorf("%w: func %q is not a navigation", ErrValidation, m.Func)
	}
	if strings.TrimSpace(m.Cwd) == "" {
		return fmt.Errorf("%w: empty cwd", ErrValidation)
	}
	if m.Func == FuncFile && m.Filename == "" {
		return fmt.Errorf("%w: file message without filename", ErrValidation)
	}
	return nil
}

type BackMessage struct {
	FileOpen bool `json:"fileOpen"`
}

func (*BackMessage) Kind() Func { return FuncBack }

type ForwardMessage struct{}

func (*ForwardMessage) Kind() Func { return FuncForward }

type EditFileMessage struct{}

func (*EditFileMessage) Kind() Func { return FuncEditFile }

type NumClientsMessage struct{}

func (*NumClientsMessage) Kind() Func { return FuncNumJSClients }

// navigationKeys is the required and exhaustive key set of a dir/file message.
var navigationKeys = []string{
	"client", "func", "cwd", "cwdBody", "cwdEncoded", "filename",
	"fileBody", "fileCwd", "fileOpen", "fileEncoding", "fileEncoded",
}

var optionalNavigationKeys = map[string]bool{"forceClose": true}

// validateMessage enforces the key set of dir and file messages. Other
// funcs carry only what they need and are not checked here.
func validateMessage(raw map[string]json.RawMessage) error {
	var fn Func
	if v, ok := raw["func"]; ok {
		if err := json.Unmarshal(v, &fn); err != nil {
			return fmt.Errorf("%w: func: %v", ErrValidation, err)
		}
	}
	if fn != FuncDir && fn != FuncFile {
		return nil
	}

	var missing, extra []string
	required := make(map[string]bool, len(navigationKeys))
	for _, key := range navigationKeys {
		required[key] = true
		if _, ok := raw[key]; !ok {
			missing = append(missing, key)
		}
	}
	for key := range raw {
		if !required[key] && !optionalNavigationKeys[key] {
			extra = append(extra, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s message has no key %s", ErrValidation, fn, strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fmt.Errorf("%w: %s is not a valid message key", ErrValidation, strings.Join(extra, ", "))
	}
	return nil
}

// DecodeMessage parses one wire frame. A frame with no func (a bare
// registration envelope) yields a nil Message.
func DecodeMessage(data []byte) (Role, Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var role Role
	if v, ok := raw["client"]; ok {
		if err := json.Unmarshal(v, &role); err != nil {
			return "", nil, fmt.Errorf("%w: client: %v", ErrValidation, err)
		}
	}

	if err := validateMessage(raw); err != nil {
		return role, nil, err
	}

	var fn Func
	if v, ok := raw["func"]; ok {
		_ = json.Unmarshal(v, &fn) // already checked by validateMessage
	}

	var msg Message
	switch fn {
	case "":
		return role, nil, nil
	case FuncDir, FuncFile:
		msg = &NavigateMessage{}
	case FuncBack:
		msg = &BackMessage{}
	case FuncForward:
		return role, &ForwardMessage{}, nil
	case FuncEditFile:
		return role, &EditFileMessage{}, nil
	case FuncNumJSClients:
		return role, &NumClientsMessage{}, nil
	default:
		return role, nil, fmt.Errorf("%w: unknown func %q", ErrValidation, fn)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return role, nil, fmt.Errorf("%w: %s: %v", ErrValidation, fn, err)
	}
	if nav, ok := msg.(*NavigateMessage); ok {
		if err := nav.Validate(); err != nil {
			return role, nil, err
		}
		nav.Cwd = normalizeCwd(nav.Cwd)
		if nav.FileCwd != "" {
			nav.FileCwd = normalizeCwd(nav.FileCwd)
		}
	}
	return role, msg, nil
}

// encodeFrame serializes a message for the wire, stamping the role.
func encodeFrame(role Role, msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *NavigateMessage:
		out := *m
		out.Client = role
		return json.Marshal(out)
	case *BackMessage:
		return json.Marshal(struct {
			Client   Role `json:"client"`
			Func     Func `json:"func"`
			FileOpen bool `json:"fileOpen"`
		}{role, FuncBack, m.FileOpen})
	case nil:
		return json.Marshal(struct {
			Client Role `json:"client"`
		}{role})
	default:
		return json.Marshal(struct {
			Client Role `json:"client"`
			Func   Func `json:"func"`
		}{role, msg.Kind()})
	}
}

type errorFrame struct {
	Func  Func   `json:"func"`
	Error string `json:"error"`
}

func newErrorFrame(err error) []byte {
	data, _ := json.Marshal(errorFrame{Func: funcError, Error: err.Error()})
	return data
}

// normalizeCwd turns a home-relative directory into the canonical
// "/a/b/" form. Traversal above the root collapses to "/".
func normalizeCwd(cwd string) string {
	cleaned := path.Clean("/" + strings.TrimSpace(cwd))
	if cleaned == "/" {
		return "/"
	}
	return cleaned + "/"
}
