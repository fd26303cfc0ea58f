package upstream

import "github.com/voice-relay-lab/internal/config"

// Client command types sent to the upstream API.
const (
	cmdSessionUpdate          = "session.update"
	cmdInputAudioBufferAppend = "input_audio_buffer.append"
	cmdInputAudioBufferCommit = "input_audio_buffer.commit"
	cmdResponseCreate         = "response.create"
	cmdConversationItemCreate = "conversation.item.create"
)

type sessionUpdateCmd struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Voice                   string                `json:"voice"`
	Instructions            string                `json:"instructions"`
	TurnDetection           *config.TurnDetection `json:"turn_detection"`
	InputAudioFormat        string                `json:"input_audio_format"`
	OutputAudioFormat       string                `json:"output_audio_format"`
	InputAudioTranscription transcriptionConfig   `json:"input_audio_transcription"`
	Temperature             float64               `json:"temperature"`
	ToolChoice              string                `json:"tool_choice"`
	Tools                   []config.Tool         `json:"tools"`
	MaxResponseOutputTokens string                `json:"max_response_output_tokens"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type audioAppendCmd struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type typeOnlyCmd struct {
	Type string `json:"type"`
}

type itemCreateCmd struct {
	Type string     `json:"type"`
	Item createItem `json:"item"`
}

type createItem struct {
	Type    string          `json:"type"`
	Role    string          `json:"role,omitempty"`
	Content []createContent `json:"content,omitempty"`
	CallID  string          `json:"call_id,omitempty"`
	Output  string          `json:"output,omitempty"`
}

type createContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SessionUpdate builds the session.update command that applies a tenant's
// session settings right after the upstream connection is established.
func SessionUpdate(cfg *config.TenantConfig) any {
	tools := cfg.Tools
	if tools == nil {
		tools = []config.Tool{}
	}
	temp := config.DefaultTemperature
	if cfg.Temperature != nil {
		temp = *cfg.Temperature
	}
	return sessionUpdateCmd{
		Type: cmdSessionUpdate,
		Session: sessionConfig{
			Voice:                   cfg.Voice,
			Instructions:            cfg.Prompts.Instructions,
			TurnDetection:           cfg.TurnDetection,
			InputAudioFormat:        cfg.InputAudioFormat,
			OutputAudioFormat:       cfg.OutputAudioFormat,
			InputAudioTranscription: transcriptionConfig{Model: cfg.TranscriptionModel},
			Temperature:             temp,
			ToolChoice:              cfg.ToolChoice,
			Tools:                   tools,
			MaxResponseOutputTokens: cfg.MaxOutputTokens,
		},
	}
}

// AudioAppend builds an input_audio_buffer.append command carrying one
// base64-encoded audio chunk.
func AudioAppend(b64 string) any {
	return audioAppendCmd{Type: cmdInputAudioBufferAppend, Audio: b64}
}

// AudioCommit flushes the upstream input audio buffer into the
// conversation.
func AudioCommit() any {
	return typeOnlyCmd{Type: cmdInputAudioBufferCommit}
}

// ResponseCreate asks the upstream model to produce a response to the
// conversation so far.
func ResponseCreate() any {
	return typeOnlyCmd{Type: cmdResponseCreate}
}

// UserMessage builds a conversation.item.create command carrying one user
// text message.
func UserMessage(text string) any {
	return itemCreateCmd{
		Type: cmdConversationItemCreate,
		Item: createItem{
			Type:    ItemTypeMessage,
			Role:    RoleUser,
			Content: []createContent{{Type: "input_text", Text: text}},
		},
	}
}

// FunctionOutput builds a conversation.item.create command feeding a
// function invocation result back into the conversation.
func FunctionOutput(callID, output string) any {
	return itemCreateCmd{
		Type: cmdConversationItemCreate,
		Item: createItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}
