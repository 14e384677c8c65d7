package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"care-mediator/handler"
	"care-mediator/internal/integrations/line"
	"care-mediator/internal/integrations/openai"
	"care-mediator/internal/integrations/paramstore"
	"care-mediator/internal/repository"
	"care-mediator/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	caregiverID := mustEnv("CAREGIVER_USER_ID")
	subjectID := mustEnv("SUBJECT_USER_ID")
	tokenBudget := envInt("HISTORY_TOKEN_BUDGET", 4000)
	digestWindow := envInt("DIGEST_WINDOW", 20)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	stateClient, err := repository.New(dynamoClient, stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}
	lineClient, err := line.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create LINE client", "err", err)
		os.Exit(1)
	}

	// ---- Services ----
	conversations, err := usecase.NewConversationLog(stateClient, tokenBudget)
	if err != nil {
		slog.Error("failed to create conversation log", "err", err)
		os.Exit(1)
	}
	profiles, err := usecase.NewProfileService(stateClient)
	if err != nil {
		slog.Error("failed to create profile service", "err", err)
		os.Exit(1)
	}
	approval, err := usecase.NewApprovalCoordinator(stateClient, lineClient, caregiverID, subjectID)
	if err != nil {
		slog.Error("failed to create approval coordinator", "err", err)
		os.Exit(1)
	}

	mediator, err := usecase.NewMediationService(
		ssmClient,
		openaiClient,
		lineClient,
		conversations,
		profiles,
		approval,
		usecase.Participants{CaregiverID: caregiverID, SubjectID: subjectID},
		paramPrefix,
		digestWindow,
	)
	if err != nil {
		slog.Error("failed to create mediation service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(mediator, lineClient)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
