package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/MrWong99/sonavox/pkg/audio"
	"github.com/MrWong99/sonavox/pkg/realtime"
	"github.com/MrWong99/sonavox/pkg/realtime/openai"
	"github.com/coder/websocket"
)

const (
	realtimeURL          = "wss://api.openai.com/v1/realtime"
	defaultRealtimeModel = "gpt-4o-realtime-preview"

	// probeSampleRate is the PCM16 rate used on both legs of the realtime
	// audio probe.
	probeSampleRate = 24000

	// sendChunkBytes is 100 ms of 24 kHz mono PCM16 per append.
	sendChunkBytes = probeSampleRate / 10 * 2

	// tailSilence is appended after the file so the service's VAD detects
	// end of speech and commits the turn.
	tailSilence = 700 * time.Millisecond
)

// runRealtimeText sends one text prompt over a raw realtime socket and
// streams the text reply to stdout until the response completes.
func runRealtimeText(ctx context.Context, apiKey string, args []string) int {
	fs := flag.NewFlagSet("realtime-text", flag.ExitOnError)
	prompt := fs.String("prompt", "", "text prompt to send")
	model := fs.String("model", defaultRealtimeModel, "realtime model")
	timeout := fs.Duration("timeout", 30*time.Second, "overall deadline")
	fs.Parse(args)

	if *prompt == "" {
		fmt.Fprintln(os.Stderr, "realtime-text: -prompt is required")
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, realtimeURL+"?model="+url.QueryEscape(*model), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": {"Bearer " + apiKey},
			"OpenAI-Beta":   {"realtime=v1"},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "realtime-text: dial: %v\n", err)
		return 1
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(1 << 20)

	writeEvent := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return conn.Write(ctx, websocket.MessageText, data)
	}

	err = writeEvent(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": *prompt},
			},
		},
	})
	if err == nil {
		err = writeEvent(map[string]any{
			"type":     "response.create",
			"response": map[string]any{"modalities": []string{"text"}},
		})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "realtime-text: send: %v\n", err)
		return 1
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "realtime-text: read: %v\n", err)
			return 1
		}
		var ev struct {
			Type  string `json:"type"`
			Delta string `json:"delta"`
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "response.text.delta", "response.output_text.delta":
			fmt.Print(ev.Delta)
		case "response.done":
			fmt.Println()
			return 0
		case "error":
			fmt.Fprintf(os.Stderr, "realtime-text: service error: %s\n", ev.Error.Message)
			return 1
		}
	}
}

// runRealtimeAudio streams a WAV file through the same session implementation
// the relay agent uses and writes the spoken reply to another WAV file.
func runRealtimeAudio(ctx context.Context, apiKey string, args []string) int {
	fs := flag.NewFlagSet("realtime-audio", flag.ExitOnError)
	wavPath := fs.String("wav", "", "input WAV file (PCM16)")
	out := fs.String("out", "reply.wav", "output WAV file")
	voice := fs.String("voice", "alloy", "voice name")
	model := fs.String("model", defaultRealtimeModel, "realtime model")
	timeout := fs.Duration("timeout", 60*time.Second, "overall deadline")
	fs.Parse(args)

	if *wavPath == "" {
		fmt.Fprintln(os.Stderr, "realtime-audio: -wav is required")
		return 2
	}
	samples, rate, channels, err := readWAV(*wavPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "realtime-audio: %v\n", err)
		return 1
	}

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: probeSampleRate, Channels: 1}}
	pcm := conv.Convert(audio.AudioFrame{
		Data:       audio.Int16sToBytes(samples),
		SampleRate: rate,
		Channels:   channels,
	}).Data
	fmt.Printf("sending %s: %d samples at %d Hz/%d ch, %d bytes after conversion\n",
		*wavPath, len(samples)/max(channels, 1), rate, channels, len(pcm))

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	provider := openai.New(apiKey, openai.WithModel(*model))
	sess, err := provider.Connect(ctx, realtime.SessionConfig{
		Modalities:              []string{"text", "audio"},
		Voice:                   *voice,
		InputSampleRate:         probeSampleRate,
		OutputSampleRate:        probeSampleRate,
		InputTranscriptionModel: "whisper-1",
		TurnDetection: realtime.TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "realtime-audio: connect: %v\n", err)
		return 1
	}
	defer sess.Close()

	var reply []byte
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "realtime-audio: timed out waiting for the response")
			return 1
		case ev, ok := <-sess.Events():
			if !ok {
				fmt.Fprintf(os.Stderr, "realtime-audio: session ended: %v\n", sess.Err())
				return 1
			}
			switch ev.Type {
			case realtime.EventSessionCreated:
				if err := streamAudio(sess, pcm); err != nil {
					fmt.Fprintf(os.Stderr, "realtime-audio: send: %v\n", err)
					return 1
				}
			case realtime.EventTranscriptionCompleted:
				fmt.Printf("heard: %s\n", ev.Text)
			case realtime.EventResponseTextDone:
				fmt.Printf("reply: %s\n", ev.Text)
			case realtime.EventResponseAudioDelta:
				reply = append(reply, ev.Audio...)
			case realtime.EventResponseDone:
				if len(reply) == 0 {
					fmt.Fprintln(os.Stderr, "realtime-audio: response carried no audio")
					return 1
				}
				if err := writeWAV(*out, audio.BytesToInt16s(reply), probeSampleRate, 1); err != nil {
					fmt.Fprintf(os.Stderr, "realtime-audio: %v\n", err)
					return 1
				}
				fmt.Printf("wrote %d bytes of audio to %s\n", len(reply), *out)
				return 0
			case realtime.EventError:
				fmt.Fprintf(os.Stderr, "realtime-audio: service error: %v\n", ev.Err)
			}
		}
	}
}

// streamAudio sends the PCM in 100 ms chunks followed by enough silence for
// the service's VAD to close the turn.
func streamAudio(sess realtime.Session, pcm []byte) error {
	for off := 0; off < len(pcm); off += sendChunkBytes {
		end := min(off+sendChunkBytes, len(pcm))
		if err := sess.SendAudio(pcm[off:end]); err != nil {
			return err
		}
	}
	silence := make([]byte, int(tailSilence.Seconds()*probeSampleRate)*2)
	for off := 0; off < len(silence); off += sendChunkBytes {
		end := min(off+sendChunkBytes, len(silence))
		if err := sess.SendAudio(silence[off:end]); err != nil {
			return err
		}
	}
	return nil
}
