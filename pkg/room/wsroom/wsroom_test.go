package wsroom

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/sonavox/pkg/audio"
	"github.com/MrWong99/sonavox/pkg/room"
	"github.com/coder/websocket"
	"layeh.com/gopus"
)

// wsURL converts an httptest server URL to a ws:// URL.
func wsURL(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGateway runs a fake media gateway. handler receives the accepted
// socket after the test server upgrade; it must perform the join handshake
// itself (see acceptJoin).
func startGateway(t *testing.T, handler func(ctx context.Context, ws *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept websocket: %v", err)
			return
		}
		defer ws.CloseNow()
		handler(r.Context(), ws)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// acceptJoin consumes the client's join message and answers with a joined
// roster.
func acceptJoin(ctx context.Context, t *testing.T, ws *websocket.Conn, roster ...participantInfo) controlMessage {
	t.Helper()
	typ, data, err := ws.Read(ctx)
	if err != nil {
		t.Errorf("read join: %v", err)
		return controlMessage{}
	}
	if typ != websocket.MessageText {
		t.Errorf("join message type = %v, want text", typ)
	}
	var join controlMessage
	if err := json.Unmarshal(data, &join); err != nil {
		t.Errorf("unmarshal join: %v", err)
	}
	writeControlMsg(ctx, t, ws, controlMessage{Type: "joined", Participants: roster})
	return join
}

func writeControlMsg(ctx context.Context, t *testing.T, ws *websocket.Conn, msg controlMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Errorf("marshal control: %v", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Errorf("write control: %v", err)
	}
}

// nextEvent waits for the next room event.
func nextEvent(t *testing.T, events <-chan room.Event) room.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for room event")
	}
	return room.Event{}
}

// inboundMediaFrame builds a 0x01-prefixed media frame for the participant.
func inboundMediaFrame(id string, opusPayload []byte) []byte {
	msg := make([]byte, 0, 2+len(id)+len(opusPayload))
	msg = append(msg, mediaInbound, byte(len(id)))
	msg = append(msg, id...)
	msg = append(msg, opusPayload...)
	return msg
}

func TestConnect_JoinHandshakeAndRoster(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	var gotJoin controlMessage
	srv := startGateway(t, func(ctx context.Context, ws *websocket.Conn) {
		gotJoin = acceptJoin(ctx, t, ws, participantInfo{ID: "alice", Name: "Alice"})
		<-done
	})
	defer close(done)

	conn, err := NewPlatform(wsURL(t, srv)).Connect(context.Background(), "support-line", "sonavox")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	if gotJoin.Type != "join" || gotJoin.Room != "support-line" || gotJoin.Identity != "sonavox" {
		t.Errorf("join = %+v, want join/support-line/sonavox", gotJoin)
	}

	ev := nextEvent(t, conn.Events())
	if ev.Type != room.EventParticipantJoined || ev.Participant.ID != "alice" {
		t.Errorf("event = %+v, want alice joined", ev)
	}
}

func TestConnect_LargeRosterDeliveredWithoutLoss(t *testing.T) {
	t.Parallel()
	// Well past the event channel's buffer, so delivery must not rely on it.
	roster := make([]participantInfo, 3*eventBuffer)
	for i := range roster {
		roster[i] = participantInfo{ID: fmt.Sprintf("p%03d", i)}
	}

	done := make(chan struct{})
	srv := startGateway(t, func(ctx context.Context, ws *websocket.Conn) {
		acceptJoin(ctx, t, ws, roster...)
		<-done
	})
	defer close(done)

	conn, err := NewPlatform(wsURL(t, srv)).Connect(context.Background(), "r", "sonavox")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	for i, want := range roster {
		ev := nextEvent(t, conn.Events())
		if ev.Type != room.EventParticipantJoined || ev.Participant.ID != want.ID {
			t.Fatalf("event %d = %+v, want %s joined", i, ev, want.ID)
		}
	}
}

func TestConnect_RejectsUnexpectedJoinAck(t *testing.T) {
	t.Parallel()
	srv := startGateway(t, func(ctx context.Context, ws *websocket.Conn) {
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
		writeControlMsg(ctx, t, ws, controlMessage{Type: "busy"})
	})

	_, err := NewPlatform(wsURL(t, srv)).Connect(context.Background(), "r", "sonavox")
	if err == nil || !strings.Contains(err.Error(), "join ack") {
		t.Fatalf("Connect error = %v, want join ack failure", err)
	}
}

func TestConnect_SendsAuthToken(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	authCh := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCh <- r.Header.Get("Authorization")
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		acceptJoin(r.Context(), t, ws)
		<-done
	}))
	t.Cleanup(srv.Close)
	defer close(done)

	conn, err := NewPlatform(wsURL(t, srv), WithToken("secret-token")).Connect(context.Background(), "r", "sonavox")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	if got := <-authCh; got != "Bearer secret-token" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer secret-token")
	}
}

func TestInboundMedia_DecodedPerParticipant(t *testing.T) {
	t.Parallel()
	enc, err := gopus.NewEncoder(gatewaySampleRate, gatewayChannels, gopus.Audio)
	if err != nil {
		t.Fatalf("create encoder: %v", err)
	}
	pcm := make([]int16, gatewayFrameSize)
	for i := range pcm {
		pcm[i] = int16(i % 512)
	}
	pkt, err := enc.Encode(pcm, gatewayFrameSize, len(pcm)*2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	done := make(chan struct{})
	srv := startGateway(t, func(ctx context.Context, ws *websocket.Conn) {
		acceptJoin(ctx, t, ws)
		writeControlMsg(ctx, t, ws, controlMessage{
			Type:        "track_published",
			SID:         "tr_1",
			Participant: &participantInfo{ID: "alice", Name: "Alice"},
		})
		if err := ws.Write(ctx, websocket.MessageBinary, inboundMediaFrame("alice", pkt)); err != nil {
			t.Errorf("write media: %v", err)
		}
		<-done
	})
	defer close(done)

	conn, err := NewPlatform(wsURL(t, srv)).Connect(context.Background(), "r", "sonavox")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	ev := nextEvent(t, conn.Events())
	if ev.Type != room.EventTrackSubscribed || ev.Track == nil {
		t.Fatalf("event = %+v, want track subscribed", ev)
	}
	if ev.Track.SID != "tr_1" || ev.Track.Participant.ID != "alice" {
		t.Errorf("track = %+v, want tr_1 from alice", ev.Track)
	}

	select {
	case frame := <-ev.Track.Frames:
		if frame.SampleRate != gatewaySampleRate || frame.Channels != gatewayChannels {
			t.Errorf("frame format = %d Hz / %d ch, want %d Hz / %d ch",
				frame.SampleRate, frame.Channels, gatewaySampleRate, gatewayChannels)
		}
		if got := frame.Samples(); got != gatewayFrameSize {
			t.Errorf("frame samples = %d, want %d", got, gatewayFrameSize)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no decoded frame arrived")
	}
}

func TestParticipantLeft_EndsTrack(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	srv := startGateway(t, func(ctx context.Context, ws *websocket.Conn) {
		acceptJoin(ctx, t, ws)
		writeControlMsg(ctx, t, ws, controlMessage{
			Type:        "track_published",
			SID:         "tr_1",
			Participant: &participantInfo{ID: "alice"},
		})
		writeControlMsg(ctx, t, ws, controlMessage{
			Type:        "participant_left",
			Participant: &participantInfo{ID: "alice"},
		})
		<-done
	})
	defer close(done)

	conn, err := NewPlatform(wsURL(t, srv)).Connect(context.Background(), "r", "sonavox")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	sub := nextEvent(t, conn.Events())
	if sub.Type != room.EventTrackSubscribed {
		t.Fatalf("event = %+v, want track subscribed", sub)
	}
	left := nextEvent(t, conn.Events())
	if left.Type != room.EventParticipantLeft || left.Participant.ID != "alice" {
		t.Errorf("event = %+v, want alice left", left)
	}

	select {
	case _, ok := <-sub.Track.Frames:
		if ok {
			t.Error("unexpected frame on ended track")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("track frame channel did not close")
	}
}

func TestUnknownControlMessages_AreIgnored(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	srv := startGateway(t, func(ctx context.Context, ws *websocket.Conn) {
		acceptJoin(ctx, t, ws)
		writeControlMsg(ctx, t, ws, controlMessage{Type: "server_stats"})
		if err := ws.Write(ctx, websocket.MessageText, []byte(`{broken json`)); err != nil {
			t.Errorf("write garbage: %v", err)
		}
		writeControlMsg(ctx, t, ws, controlMessage{
			Type:        "participant_joined",
			Participant: &participantInfo{ID: "bob"},
		})
		<-done
	})
	defer close(done)

	conn, err := NewPlatform(wsURL(t, srv)).Connect(context.Background(), "r", "sonavox")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	ev := nextEvent(t, conn.Events())
	if ev.Type != room.EventParticipantJoined || ev.Participant.ID != "bob" {
		t.Errorf("event = %+v, want bob joined after skipped messages", ev)
	}
}

func TestPublishTrack_EncodesFixedOpusFrames(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	mediaCh := make(chan []byte, 4)
	publishCh := make(chan controlMessage, 1)
	srv := startGateway(t, func(ctx context.Context, ws *websocket.Conn) {
		acceptJoin(ctx, t, ws)
		for {
			typ, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			switch typ {
			case websocket.MessageText:
				var msg controlMessage
				if err := json.Unmarshal(data, &msg); err == nil && msg.Type == "publish" {
					publishCh <- msg
				}
			case websocket.MessageBinary:
				mediaCh <- data
			}
		}
	})
	defer close(done)

	conn, err := NewPlatform(wsURL(t, srv)).Connect(context.Background(), "r", "sonavox")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Disconnect()

	format := audio.Format{SampleRate: 24000, Channels: 1}
	out, err := conn.PublishTrack("voice", format)
	if err != nil {
		t.Fatalf("PublishTrack: %v", err)
	}

	select {
	case msg := <-publishCh:
		if msg.TrackName != "voice" {
			t.Errorf("publish track_name = %q, want voice", msg.TrackName)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("publish announcement never arrived")
	}

	// One 20ms frame at 24 kHz mono is 480 samples.
	frameSamples := format.SampleRate * frameDurationMs / 1000
	pcm := make([]int16, frameSamples)
	for i := range pcm {
		pcm[i] = int16(i % 256)
	}
	if !out.Send(audio.AudioFrame{Data: audio.Int16sToBytes(pcm), SampleRate: format.SampleRate, Channels: 1}) {
		t.Fatal("Send returned false")
	}

	select {
	case msg := <-mediaCh:
		if len(msg) < 2 || msg[0] != mediaOutbound {
			t.Fatalf("media frame prefix = %#x, want %#x", msg[0], mediaOutbound)
		}
		dec, err := gopus.NewDecoder(format.SampleRate, format.Channels)
		if err != nil {
			t.Fatalf("create decoder: %v", err)
		}
		decoded, err := dec.Decode(msg[1:], frameSamples, false)
		if err != nil {
			t.Fatalf("decode published media: %v", err)
		}
		if len(decoded) != frameSamples {
			t.Errorf("decoded %d samples, want %d", len(decoded), frameSamples)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no media frame arrived at the gateway")
	}

	if _, err := conn.PublishTrack("second", format); err == nil {
		t.Error("second PublishTrack succeeded, want error")
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	srv := startGateway(t, func(ctx context.Context, ws *websocket.Conn) {
		acceptJoin(ctx, t, ws)
		<-done
	})
	defer close(done)

	conn, err := NewPlatform(wsURL(t, srv)).Connect(context.Background(), "r", "sonavox")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := conn.Disconnect(); err != nil {
		t.Errorf("Disconnect: %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Errorf("second Disconnect: %v", err)
	}

	select {
	case _, ok := <-conn.Events():
		if ok {
			t.Error("unexpected event after disconnect")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event channel did not close")
	}
}
