package main

import (
	"bytes"
	"testing"
)

func TestChunkAudio(t *testing.T) {
	buf := bytes.Repeat([]byte{0x7F}, 450)
	chunks := chunkAudio(buf, 160)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if len(chunks[0]) != 160 || len(chunks[1]) != 160 {
		t.Fatalf("full chunk sizes = %d/%d, want 160", len(chunks[0]), len(chunks[1]))
	}
	if len(chunks[2]) != 130 {
		t.Fatalf("tail chunk size = %d, want 130", len(chunks[2]))
	}
}

func TestChunkAudioEmpty(t *testing.T) {
	if got := chunkAudio(nil, 160); got != nil {
		t.Fatalf("chunkAudio(nil) = %v, want nil", got)
	}
	if got := chunkAudio([]byte{1, 2}, 0); got != nil {
		t.Fatalf("chunkAudio with zero chunk = %v, want nil", got)
	}
}

func TestMediaStreamURL(t *testing.T) {
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080/twilio/media"},
		{in: "https://probe.example.com", want: "wss://probe.example.com/twilio/media"},
		{in: "ftp://bad", wantErr: true},
	}
	for _, tc := range cases {
		got, err := mediaStreamURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("mediaStreamURL(%q) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("mediaStreamURL(%q) error = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("mediaStreamURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
