package upstream

import "testing"

func TestClassifyTextByConnectionMode(t *testing.T) {
	cases := []struct {
		name  string
		agent bool
		raw   string
		want  MessageKind
		ok    bool
	}{
		{
			name:  "listen error is a turn event",
			agent: false,
			raw:   `{"type":"Error","message":"bad auth"}`,
			want:  KindTurn,
			ok:    true,
		},
		{
			name:  "agent error is an agent event",
			agent: true,
			raw:   `{"type":"Error","description":"bad settings"}`,
			want:  KindAgent,
			ok:    true,
		},
		{
			name:  "agent control event on agent connection",
			agent: true,
			raw:   `{"type":"UserStartedSpeaking"}`,
			want:  KindAgent,
			ok:    true,
		},
		{
			name:  "agent control event ignored on listen connection",
			agent: false,
			raw:   `{"type":"AgentStartedSpeaking"}`,
			ok:    false,
		},
		{
			name:  "recognizer result ignored on agent connection",
			agent: true,
			raw:   `{"type":"Results","speech_final":true,"channel":{"alternatives":[{"transcript":"hi"}]}}`,
			ok:    false,
		},
		{
			name:  "malformed frame dropped",
			agent: true,
			raw:   `{not json`,
			ok:    false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, ok := classifyText(tc.agent, []byte(tc.raw))
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && msg.Kind != tc.want {
				t.Fatalf("kind = %v, want %v", msg.Kind, tc.want)
			}
		})
	}
}

func TestClassifyTextErrorRouting(t *testing.T) {
	msg, ok := classifyText(true, []byte(`{"type":"Error","description":"over capacity"}`))
	if !ok || msg.Agent.Type != AgentError || msg.Agent.Detail != "over capacity" {
		t.Fatalf("agent error = %+v, ok=%v", msg.Agent, ok)
	}

	msg, ok = classifyText(false, []byte(`{"type":"Error","message":"rate limit","code":"rate_limited"}`))
	if !ok || msg.Turn.Type != TurnError || msg.Turn.ErrCode != "rate_limited" {
		t.Fatalf("turn error = %+v, ok=%v", msg.Turn, ok)
	}
}
