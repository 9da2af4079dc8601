// Command sonavox-probe exercises the remote AI service without any room
// concurrency: one-shot transcription and synthesis, plus realtime round
// trips over the same session machinery the relay agent uses. Handy for
// checking credentials, models, and audio plumbing before deploying the
// agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		usage()
		return 2
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "sonavox-probe: OPENAI_API_KEY is not set")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "stt":
		return runSTT(ctx, apiKey, os.Args[2:])
	case "tts":
		return runTTS(ctx, apiKey, os.Args[2:])
	case "realtime-text":
		return runRealtimeText(ctx, apiKey, os.Args[2:])
	case "realtime-audio":
		return runRealtimeAudio(ctx, apiKey, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "sonavox-probe: unknown command %q\n", os.Args[1])
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: sonavox-probe <command> [flags]

commands:
  stt             transcribe an audio file
  tts             synthesise speech from text into a file
  realtime-text   send a text prompt over a realtime session, stream the reply
  realtime-audio  send a WAV file over a realtime session, save the spoken reply

OPENAI_API_KEY must be set.
`)
}

func runSTT(ctx context.Context, apiKey string, args []string) int {
	fs := flag.NewFlagSet("stt", flag.ExitOnError)
	file := fs.String("file", "", "audio file to transcribe (wav, mp3, ...)")
	model := fs.String("model", "whisper-1", "transcription model")
	fs.Parse(args)

	if *file == "" {
		fmt.Fprintln(os.Stderr, "stt: -file is required")
		return 2
	}
	f, err := os.Open(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stt: %v\n", err)
		return 1
	}
	defer f.Close()

	client := oai.NewClient(option.WithAPIKey(apiKey))
	tr, err := client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		File:  f,
		Model: oai.AudioModel(*model),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "stt: transcribe: %v\n", err)
		return 1
	}
	fmt.Println(tr.Text)
	return 0
}

func runTTS(ctx context.Context, apiKey string, args []string) int {
	fs := flag.NewFlagSet("tts", flag.ExitOnError)
	text := fs.String("text", "", "text to synthesise")
	out := fs.String("out", "speech.mp3", "output file")
	voice := fs.String("voice", "alloy", "voice name")
	format := fs.String("format", "mp3", "output format (mp3, wav, opus, ...)")
	model := fs.String("model", "gpt-4o-mini-tts", "synthesis model")
	instructions := fs.String("instructions", "", "delivery instructions (tone, pacing)")
	fs.Parse(args)

	if *text == "" {
		fmt.Fprintln(os.Stderr, "tts: -text is required")
		return 2
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(*model),
		Voice:          oai.AudioSpeechNewParamsVoice(*voice),
		Input:          *text,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat(*format),
	}
	if *instructions != "" {
		params.Instructions = oai.String(*instructions)
	}

	client := oai.NewClient(option.WithAPIKey(apiKey))
	res, err := client.Audio.Speech.New(ctx, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tts: synthesise: %v\n", err)
		return 1
	}
	defer res.Body.Close()

	outFile, err := os.Create(*out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tts: %v\n", err)
		return 1
	}
	defer outFile.Close()

	n, err := io.Copy(outFile, res.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tts: write %q: %v\n", *out, err)
		return 1
	}
	fmt.Printf("wrote %d bytes to %s\n", n, *out)
	return 0
}
