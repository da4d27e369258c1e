package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	BaseURL   = "http://localhost:8080"
	WSURL     = "ws://localhost:8080/ws"
	PairCount = 50 // pairs of users chatting privately
	MsgCount  = 20 // messages per user
)

type AuthResponse struct {
	Token    string `json:"access_token"`
	ID       int    `json:"id"`
	Username string `json:"username"`
}

func main() {
	log.Printf("🔥 STARTING LOAD TEST: %d users, %d messages each...", PairCount*2, MsgCount)
	var wg sync.WaitGroup

	for i := 0; i < PairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Println("✅ LOAD TEST COMPLETE")
}

// runPair registers two users, has A invite B over the private-pair room
// reference, then both spam it.
func runPair(pairID int) {
	userA := fmt.Sprintf("u_%d_a", pairID)
	userB := fmt.Sprintf("u_%d_b", pairID)
	pass := "password123"

	tokenA, idA := authenticate(userA, pass)
	tokenB, idB := authenticate(userB, pass)
	if tokenA == "" || tokenB == "" {
		return
	}

	room := fmt.Sprintf("private_%d_%d", min(idA, idB), max(idA, idB))

	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamRoom(&wsWg, tokenA, room, userA)
	go spamRoom(&wsWg, tokenB, room, userB)
	wsWg.Wait()
}

// authenticate registers (ignoring the conflict if the user exists) and
// logs in; login returns the id directly.
func authenticate(username, password string) (string, int) {
	postJSON("/register", map[string]string{"username": username, "password": password})

	resp, err := postJSON("/login", map[string]string{"username": username, "password": password})
	if err != nil {
		log.Printf("❌ Login Failed [%s]: %v", username, err)
		return "", 0
	}
	defer resp.Body.Close()

	var data AuthResponse
	json.NewDecoder(resp.Body).Decode(&data)
	return data.Token, data.ID
}

func postJSON(path string, body any) (*http.Response, error) {
	jsonBody, _ := json.Marshal(body)
	return http.Post(BaseURL+path, "application/json", bytes.NewBuffer(jsonBody))
}

func spamRoom(wg *sync.WaitGroup, token, room, username string) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s?token=%s", WSURL, token), nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", username, err)
		return
	}
	defer conn.Close()

	// Drain server frames so the outbox never backs up.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(map[string]any{"type": "join_room", "room": room}); err != nil {
		log.Printf("❌ Join Fail [%s]: %v", username, err)
		return
	}

	for i := 0; i < MsgCount; i++ {
		msg := map[string]any{
			"type":    "send_message",
			"room":    room,
			"content": fmt.Sprintf("LoadTest Msg %d from %s", i, username),
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("❌ Send Fail [%s]: %v", username, err)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
