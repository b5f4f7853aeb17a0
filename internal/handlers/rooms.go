package handlers

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/openmeet/conference-signaling/internal/models"
	"github.com/openmeet/conference-signaling/internal/redis"
)

const (
	roomCodeLength  = 6
	roomTTL         = 24 * time.Hour
	defaultRoomSize = 8
	codeChars       = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

// CreateRoom creates a new conference room (requires authentication)
func CreateRoom(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.MaxParticipants == 0 {
		req.MaxParticipants = defaultRoomSize
	}

	roomID := uuid.New().String()
	roomCode := generateRoomCode()

	room := models.RoomMetadata{
		ID:              roomID,
		Code:            roomCode,
		CreatorID:       userID.(string),
		CreatedAt:       time.Now(),
		MaxParticipants: req.MaxParticipants,
	}

	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	roomData, err := json.Marshal(room)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	if err := redisClient.Set(ctx, "room:"+roomID, roomData, roomTTL).Err(); err != nil {
		log.Printf("Failed to store room in Redis: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	// Code-to-ID mapping so clients can join by the short code
	if err := redisClient.Set(ctx, "code:"+roomCode, roomID, roomTTL).Err(); err != nil {
		log.Printf("Failed to store room code in Redis: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	log.Printf("Room created: %s (code: %s) by user %s", roomID, roomCode, userID)

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: roomID,
		Code:   roomCode,
	})
}

// GetRoom gets room information by code or ID (public)
func GetRoom(c *gin.Context) {
	roomID, room, err := lookupRoom(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	count, _ := redisClient.SCard(ctx, "room:"+roomID+":peers").Result()
	room.ParticipantCount = int(count)

	c.JSON(http.StatusOK, room)
}

// DeleteRoom deletes a room (requires authentication, creator only)
func DeleteRoom(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	roomID, room, err := lookupRoom(c.Param("roomId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}

	if room.CreatorID != userID.(string) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	redisClient := redis.GetClient()
	ctx := redis.GetContext()
	redisClient.Del(ctx, "room:"+roomID)
	redisClient.Del(ctx, "code:"+room.Code)
	redisClient.Del(ctx, "room:"+roomID+":peers")

	log.Printf("Room deleted: %s by user %s", roomID, userID)

	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// lookupRoom resolves a short code or room ID to the stored metadata.
func lookupRoom(identifier string) (string, *models.RoomMetadata, error) {
	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	roomID := identifier
	if len(identifier) == roomCodeLength {
		id, err := redisClient.Get(ctx, "code:"+identifier).Result()
		if err != nil {
			return "", nil, fmt.Errorf("room not found")
		}
		roomID = id
	}

	roomData, err := redisClient.Get(ctx, "room:"+roomID).Result()
	if err != nil {
		return "", nil, fmt.Errorf("room not found")
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(roomData), &room); err != nil {
		return "", nil, fmt.Errorf("failed to parse room data: %w", err)
	}
	return roomID, &room, nil
}

// ValidateRoom checks that a room exists and has capacity for one more
// participant, resolving short codes to the canonical room ID.
func ValidateRoom(identifier string) (string, *models.RoomMetadata, error) {
	roomID, room, err := lookupRoom(identifier)
	if err != nil {
		return "", nil, err
	}

	redisClient := redis.GetClient()
	ctx := redis.GetContext()
	count, _ := redisClient.SCard(ctx, "room:"+roomID+":peers").Result()
	if int(count) >= room.MaxParticipants {
		return "", nil, fmt.Errorf("room is full")
	}

	return roomID, room, nil
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
