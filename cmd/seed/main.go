package main

import (
	"context"
	"os"
	"time"

	"github.com/Baaaki/chatcore/internal/broker"
	"github.com/Baaaki/chatcore/internal/config"
	"github.com/Baaaki/chatcore/internal/database"
	"github.com/Baaaki/chatcore/internal/models"
	"github.com/Baaaki/chatcore/internal/repository"
	"github.com/Baaaki/chatcore/internal/service"
	"github.com/Baaaki/chatcore/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultWelcome = "Welcome to the community channel! Say hi 👋"

// seed migrates the schema and, when the community channel is empty, posts
// a welcome message as SEED_AUTHOR_ID. Running it twice is harmless.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}
	if err := logger.Init(!cfg.IsProduction()); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()
	log := logger.Log

	db, err := database.Connect(cfg.DatabaseURL, false)
	if err != nil {
		log.Fatal("Failed to connect database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("Failed to migrate database", zap.Error(err))
	}

	rawAuthor := os.Getenv("SEED_AUTHOR_ID")
	if rawAuthor == "" {
		log.Info("SEED_AUTHOR_ID not set, skipping welcome message")
		return
	}
	authorID, err := uuid.Parse(rawAuthor)
	if err != nil {
		log.Fatal("SEED_AUTHOR_ID must be a UUID", zap.String("value", rawAuthor))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := repository.NewStore(db)
	last, err := store.Messages.Last(ctx, models.CommunityChannel)
	if err != nil {
		log.Fatal("Failed to read community channel", zap.Error(err))
	}
	if last != nil {
		log.Info("Community channel already has messages", zap.Int64("last_seq", last.Seq))
		return
	}

	content := os.Getenv("SEED_WELCOME")
	if content == "" {
		content = defaultWelcome
	}

	// no sessions exist here, so the hub has nobody to deliver to
	messages := service.NewMessageService(store, broker.NewHub(), service.WithLogger(log))
	msg, err := messages.PostMessage(ctx, service.PostInput{
		ChannelID: models.CommunityChannel,
		AuthorID:  authorID,
		Content:   content,
	})
	if err != nil {
		log.Fatal("Failed to post welcome message", zap.Error(err))
	}

	log.Info("Welcome message created",
		zap.String("message_id", msg.ID.String()),
		zap.Int64("seq", msg.Seq),
	)
}
