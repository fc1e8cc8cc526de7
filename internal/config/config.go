package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	arkembedding "github.com/cloudwego/eino-ext/components/embedding/ark"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	AI     AIConfig
	Flow   FlowConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	flow, err := loadFlowConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, AI: ai, Flow: flow}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig 描述大模型相关配置。API key 由调用方逐请求提供，这里只保存
// 模型与端点设置。
type AIConfig struct {
	Model          string
	EmbeddingModel string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
}

// FlowConfig 描述消息聚合管线的行为参数。
type FlowConfig struct {
	QuietPeriod  time.Duration
	HistoryLimit int
	ChunkSize    int
	ChunkOverlap int
	TopK         int
}

// NewChatModel 使用配置和调用方提供的 API key 创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context, apiKey string) (model.ChatModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("ark api key is required")
	}
	if c.Model == "" {
		return nil, fmt.Errorf("ARK_MODEL is not configured")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      apiKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

// NewEmbedder 使用配置和调用方提供的 API key 创建一个向量化实例。
func (c AIConfig) NewEmbedder(ctx context.Context, apiKey string) (embedding.Embedder, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("ark api key is required")
	}
	if c.EmbeddingModel == "" {
		return nil, fmt.Errorf("ARK_EMBEDDING_MODEL is not configured")
	}

	cfg := &arkembedding.EmbeddingConfig{
		BaseURL: c.BaseURL,
		Region:  c.Region,
		APIKey:  apiKey,
		Model:   c.EmbeddingModel,
	}

	return arkembedding.NewEmbedder(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		Model:          strings.TrimSpace(os.Getenv("ARK_MODEL")),
		EmbeddingModel: getEnvOrDefault("ARK_EMBEDDING_MODEL", "doubao-embedding-text-240715"),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
	}, nil
}

func loadFlowConfig() (FlowConfig, error) {
	quietSeconds := 5
	if override, err := parseOptionalIntEnv("FLOW_BURST_DELAY_SECONDS"); err != nil {
		return FlowConfig{}, err
	} else if override != nil {
		if *override < 1 {
			quietSeconds = 1
		} else {
			quietSeconds = *override
		}
	}

	historyLimit := 10
	if override, err := parseOptionalIntEnv("FLOW_HISTORY_LIMIT"); err != nil {
		return FlowConfig{}, err
	} else if override != nil && *override > 0 {
		historyLimit = *override
	}

	chunkSize := 500
	if override, err := parseOptionalIntEnv("FLOW_CHUNK_SIZE"); err != nil {
		return FlowConfig{}, err
	} else if override != nil && *override > 0 {
		chunkSize = *override
	}

	chunkOverlap := 50
	if override, err := parseOptionalIntEnv("FLOW_CHUNK_OVERLAP"); err != nil {
		return FlowConfig{}, err
	} else if override != nil && *override >= 0 {
		chunkOverlap = *override
	}

	if chunkOverlap >= chunkSize {
		return FlowConfig{}, fmt.Errorf("FLOW_CHUNK_OVERLAP (%d) must be smaller than FLOW_CHUNK_SIZE (%d)", chunkOverlap, chunkSize)
	}

	topK := 3
	if override, err := parseOptionalIntEnv("FLOW_RETRIEVAL_TOP_K"); err != nil {
		return FlowConfig{}, err
	} else if override != nil && *override > 0 {
		topK = *override
	}

	return FlowConfig{
		QuietPeriod:  time.Duration(quietSeconds) * time.Second,
		HistoryLimit: historyLimit,
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		TopK:         topK,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
