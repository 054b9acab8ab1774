package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go-chat-core/internal/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	baseURL    = flag.String("url", "http://localhost:8080", "server base URL")
	pairCount  = flag.Int("pairs", 50, "number of user pairs")
	msgCount   = flag.Int("messages", 20, "messages per user")
	retryEvery = flag.Int("retry-every", 5, "resend every k-th message with the same client_message_id (0 disables)")
	interval   = flag.Duration("interval", 150*time.Millisecond, "pause between sends")
	drain      = flag.Duration("drain", 3*time.Second, "how long to wait for acks after the last send")
)

type stats struct {
	sent       atomic.Int64
	retried    atomic.Int64
	acked      atomic.Int64
	dedupOK    atomic.Int64
	dedupBroke atomic.Int64
	rejected   atomic.Int64
}

var (
	log   *slog.Logger
	total stats
)

type authResponse struct {
	Token    string `json:"access_token"`
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type frame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Error   string `json:"error"`
	Success *bool  `json:"success"`
	Message *struct {
		ID              int64  `json:"id"`
		CreatorID       int64  `json:"creator_id"`
		ClientMessageID string `json:"client_message_id"`
	} `json:"message"`
}

func main() {
	flag.Parse()
	log = logger.New("local")

	log.Info("starting load test", "users", *pairCount*2, "messages_per_user", *msgCount, "retry_every", *retryEvery)
	started := time.Now()
	var wg sync.WaitGroup

	// Pairs: user 0a talks to user 0b, 1a to 1b, ...
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Info("load test complete",
		"elapsed", time.Since(started).Round(time.Millisecond),
		"sent", total.sent.Load(),
		"retried", total.retried.Load(),
		"acked", total.acked.Load(),
		"dedup_ok", total.dedupOK.Load(),
		"dedup_broken", total.dedupBroke.Load(),
		"rejected", total.rejected.Load(),
	)
}

func runPair(pairID int) {
	run := uuid.NewString()[:8]
	userA := fmt.Sprintf("u_%s_%d_a", run, pairID)
	userB := fmt.Sprintf("u_%s_%d_b", run, pairID)
	pass := "password123"

	a, err := authenticate(userA, pass)
	if err != nil {
		log.Error("auth failed", "user", userA, logger.Err(err))
		return
	}
	b, err := authenticate(userB, pass)
	if err != nil {
		log.Error("auth failed", "user", userB, logger.Err(err))
		return
	}

	roomID, err := createRoom(a.Token, b.ID)
	if err != nil {
		log.Error("create room failed", "pair", pairID, logger.Err(err))
		return
	}

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChat(&wsWg, a, roomID)
	go spamChat(&wsWg, b, roomID)
	wsWg.Wait()
}

// authenticate registers (a conflict is fine) and logs in.
func authenticate(username, password string) (*authResponse, error) {
	resp, err := postJSON("/register", "", map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	resp, err = postJSON("/login", "", map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login: status %d", resp.StatusCode)
	}

	var data authResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

func createRoom(token string, peer int64) (int64, error) {
	resp, err := postJSON("/api/rooms", token, map[string]any{
		"kind":       "direct",
		"member_ids": []int64{peer},
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return 0, fmt.Errorf("create room: status %d", resp.StatusCode)
	}

	var room struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return 0, err
	}
	return room.ID, nil
}

func spamChat(wg *sync.WaitGroup, user *authResponse, roomID int64) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(), nil)
	if err != nil {
		log.Error("ws connect failed", "user", user.Username, logger.Err(err))
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "auth", "session_token": user.Token}); err != nil {
		log.Error("ws auth failed", "user", user.Username, logger.Err(err))
		return
	}

	var (
		mu    sync.Mutex
		acked = make(map[string]int64) // client_message_id -> server id
	)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Type {
			case "auth_result":
				if f.Success == nil || !*f.Success {
					log.Error("server refused auth", "user", user.Username, "reason", f.Error)
					return
				}
			case "message_created":
				if f.Message == nil || f.Message.CreatorID != user.ID {
					continue
				}
				mu.Lock()
				prev, seen := acked[f.Message.ClientMessageID]
				acked[f.Message.ClientMessageID] = f.Message.ID
				mu.Unlock()
				switch {
				case !seen:
					total.acked.Add(1)
				case prev == f.Message.ID:
					total.dedupOK.Add(1)
				default:
					total.dedupBroke.Add(1)
					log.Error("duplicate created a second message", "user", user.Username,
						"client_message_id", f.Message.ClientMessageID, "first", prev, "second", f.Message.ID)
				}
			case "error":
				total.rejected.Add(1)
				log.Warn("frame rejected", "user", user.Username, "code", f.Code, "error", f.Error)
			}
		}
	}()

	for i := 0; i < *msgCount; i++ {
		cmid := uuid.NewString()
		msg := map[string]any{
			"type":              "new_message",
			"room_id":           roomID,
			"client_message_id": cmid,
			"content":           fmt.Sprintf("LoadTest Msg %d from %s", i, user.Username),
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Error("send failed", "user", user.Username, logger.Err(err))
			break
		}
		total.sent.Add(1)

		if *retryEvery > 0 && i%*retryEvery == 0 {
			// Same key, different content: the server must answer with the original.
			msg["content"] = fmt.Sprintf("LoadTest Msg %d from %s (retry)", i, user.Username)
			if err := conn.WriteJSON(msg); err != nil {
				break
			}
			total.retried.Add(1)
		}
		time.Sleep(*interval)
	}

	time.Sleep(*drain)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	<-readerDone
	log.Info("user finished", "user", user.Username, "sent", *msgCount)
}

func wsURL() string {
	u, err := url.Parse(*baseURL)
	if err != nil {
		return "ws://localhost:8080/ws"
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	return u.String()
}

func postJSON(endpoint, token string, data any) (*http.Response, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, *baseURL+endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}
