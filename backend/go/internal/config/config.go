package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 是可以从 YAML 字符串 (例如 "30s", "24h") 解析的时间间隔。
type Duration struct {
	time.Duration
}

// UnmarshalYAML 实现 yaml.Unmarshaler，支持 "1m30s" 形式的字符串以及纯数字（秒）。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		d.Duration = parsed
		return nil
	}
	var seconds int
	if err := node.Decode(&seconds); err != nil {
		return fmt.Errorf("无法解析时间间隔 '%s'", raw)
	}
	d.Duration = time.Duration(seconds) * time.Second
	return nil
}

// MarshalYAML 实现 yaml.Marshaler。
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// D 是构造 Duration 的简写。
func D(v time.Duration) Duration {
	return Duration{Duration: v}
}

// RedisConfig 定义了 Redis 数据库的连接配置。
type RedisConfig struct {
	Address  string `yaml:"address"`  // Redis 服务器地址 (例如: "localhost:6379")
	Password string `yaml:"password"` // Redis 密码
	DB       int    `yaml:"db"`       // Redis 数据库编号
}

// MySQLConfig 定义了 MySQL 数据库的连接配置。
type MySQLConfig struct {
	Address         string `yaml:"address"`         // MySQL 服务器地址
	Username        string `yaml:"username"`        // 用户名
	Password        string `yaml:"password"`        // 密码
	Database        string `yaml:"database"`        // 数据库名称
	MaxOpenConns    int    `yaml:"maxOpenConns"`    // 最大打开连接数
	MaxIdleConns    int    `yaml:"maxIdleConns"`    // 最大空闲连接数
	ConnMaxLifetime int    `yaml:"connMaxLifetime"` // 连接最大生命周期 (秒)
}

// MinIOConfig 定义了 MinIO 对象存储的连接配置。
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`  // MinIO 服务端点
	AccessKey string `yaml:"accessKey"` // 访问密钥
	SecretKey string `yaml:"secretKey"` // Secret 密钥
	Bucket    string `yaml:"bucket"`    // 默认存储桶名称
	Secure    bool   `yaml:"secure"`    // 是否使用HTTPS
}

// MongoConfig 定义了 MongoDB 数据库的连接配置。
type MongoConfig struct {
	Address  string `yaml:"address"`  // MongoDB 服务器地址
	Username string `yaml:"username"` // 用户名
	Password string `yaml:"password"` // 密码
	Database string `yaml:"database"` // 数据库名称
}

// KafkaConfig 定义了 Kafka 消息队列的连接配置。
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"` // Kafka Broker 地址列表
	Topics  []string `yaml:"topics"`  // 需要自动创建的 Kafka 主题列表
}

// DatabaseConfigs 包含所有外部存储的连接配置。
type DatabaseConfigs struct {
	Redis   RedisConfig `yaml:"redis"`   // Redis 数据库配置
	MySQL   MySQLConfig `yaml:"mysql"`   // MySQL 数据库配置
	MinIO   MinIOConfig `yaml:"minio"`   // MinIO 对象存储配置
	MongoDB MongoConfig `yaml:"mongodb"` // MongoDB 数据库配置
	Kafka   KafkaConfig `yaml:"kafka"`   // Kafka 消息队列配置
}

// AppInfo 对应 'app' 部分，包含应用程序的基本信息。
type AppInfo struct {
	Name        string `yaml:"name"`        // 应用程序名称
	Version     string `yaml:"version"`     // 应用程序版本
	Environment string `yaml:"environment"` // 运行环境 (例如: "development", "production")
}

// LoggerConfig 定义了日志记录器的配置。
type LoggerConfig struct {
	Level string `yaml:"level"` // 日志级别 (例如: "info", "debug", "warn", "error")
}

// ServerConfig 定义了 HTTP 服务的配置。
type ServerConfig struct {
	Address         string   `yaml:"address"`         // 监听地址 (例如: ":3080")
	PublicURL       string   `yaml:"publicURL"`       // 对外访问地址，未启用对象存储时用于拼接下载链接
	ShutdownTimeout Duration `yaml:"shutdownTimeout"` // 优雅关闭的等待时间
}

// OrchestratorConfig 定义了任务调度与执行的配置。
type OrchestratorConfig struct {
	MaxConcurrentTasks int      `yaml:"maxConcurrentTasks"` // 同时执行的任务上限
	EnableRender       *bool    `yaml:"enableRender"`       // 是否在完成后异步渲染预览
	PublishTimeout     Duration `yaml:"publishTimeout"`     // 上传主产物的超时时间
}

// RenderEnabled 返回是否开启异步渲染，未配置时默认开启。
func (c OrchestratorConfig) RenderEnabled() bool {
	return c.EnableRender == nil || *c.EnableRender
}

// ReaperConfig 定义了过期任务清理的配置。
type ReaperConfig struct {
	Enabled   bool     `yaml:"enabled"`   // 是否启用自动清理
	Retention Duration `yaml:"retention"` // 任务保留时长
	Interval  Duration `yaml:"interval"`  // 清理间隔
}

// PipelineConfig 定义了外部重建流水线的配置。
// 命令模板中的 {source} {model} {n_views} {iterations} 会在执行时替换。
type PipelineConfig struct {
	WorkDir        string   `yaml:"workDir"`        // 流水线脚本所在目录，命令在此目录下执行
	AssetsDir      string   `yaml:"assetsDir"`      // 输入图片的工作目录
	OutputDir      string   `yaml:"outputDir"`      // 训练输出目录
	Dataset        string   `yaml:"dataset"`        // 数据集名称
	UseCUDA        bool     `yaml:"useCUDA"`        // 是否使用 GPU
	InitCommand    []string `yaml:"initCommand"`    // 几何初始化命令
	TrainCommand   []string `yaml:"trainCommand"`   // 训练命令
	RenderCommand  []string `yaml:"renderCommand"`  // 渲染命令
	FFmpegBin      string   `yaml:"ffmpegBin"`      // ffmpeg 可执行文件
	FrameRate      int      `yaml:"frameRate"`      // 视频抽帧帧率
	MaxFrames      int      `yaml:"maxFrames"`      // 最多抽取的帧数
	Iterations     int      `yaml:"iterations"`     // 训练迭代次数
	InitTimeout    Duration `yaml:"initTimeout"`    // 几何初始化超时
	TrainTimeout   Duration `yaml:"trainTimeout"`   // 训练超时
	RenderTimeout  Duration `yaml:"renderTimeout"`  // 渲染超时
	ExtractTimeout Duration `yaml:"extractTimeout"` // 抽帧超时
}

// StorageConfig 定义了上传文件的存储与校验配置。
type StorageConfig struct {
	UploadDir       string   `yaml:"uploadDir"`       // 上传文件保存目录
	MaxFileSize     int64    `yaml:"maxFileSize"`     // 视频或压缩包的最大字节数
	MaxImageSize    int64    `yaml:"maxImageSize"`    // 单张图片的最大字节数
	VideoExtensions []string `yaml:"videoExtensions"` // 支持的视频扩展名
	ImageExtensions []string `yaml:"imageExtensions"` // 支持的图片扩展名
}

// PublisherConfig 定义了主产物发布到对象存储的配置。
type PublisherConfig struct {
	Enabled       bool     `yaml:"enabled"`       // 是否发布到 MinIO
	Compress      bool     `yaml:"compress"`      // 上传前是否 gzip 压缩
	Prefix        string   `yaml:"prefix"`        // 对象键前缀
	PublicBaseURL string   `yaml:"publicBaseURL"` // 公开访问的基础 URL，为空时使用预签名 URL
	PresignExpiry Duration `yaml:"presignExpiry"` // 预签名 URL 有效期
}

// NotifierConfig 定义了完成/失败通知的配置。
type NotifierConfig struct {
	Enabled   bool     `yaml:"enabled"`   // 是否发送通知
	URL       string   `yaml:"url"`       // 通知服务地址
	APIKey    string   `yaml:"apiKey"`    // 通知服务的认证密钥
	Timeout   Duration `yaml:"timeout"`   // 单次通知的超时时间
	ViewerURL string   `yaml:"viewerURL"` // 结果查看页地址
}

// SinkToggle 定义了单个持久化目标的开关。
type SinkToggle struct {
	Enabled bool   `yaml:"enabled"`
	Target  string `yaml:"target"` // 集合名 / 表名 / 主题名 / 键前缀
}

// PersistenceConfig 定义了任务状态同步到外部存储的配置。
type PersistenceConfig struct {
	Workers     int        `yaml:"workers"`     // 同步 worker 数量
	CallTimeout Duration   `yaml:"callTimeout"` // 单次写入超时
	MaxBackoff  Duration   `yaml:"maxBackoff"`  // 失败重试的最大退避时间
	RedisTTL    Duration   `yaml:"redisTTL"`    // Redis 快照的过期时间
	Mongo       SinkToggle `yaml:"mongo"`
	MySQL       SinkToggle `yaml:"mysql"`
	Redis       SinkToggle `yaml:"redis"`
	Kafka       SinkToggle `yaml:"kafka"`
}

// IngestConfig 定义了从 Kafka 接收任务提交的配置。
type IngestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Topic   string `yaml:"topic"`
	GroupID string `yaml:"groupID"`
}

// DiscoveryConfig 定义了 etcd 服务注册的配置。
type DiscoveryConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Endpoints   []string `yaml:"endpoints"`
	ServiceName string   `yaml:"serviceName"`
	TTL         int64    `yaml:"ttl"` // 租约秒数
}

// MiddlewareConfig 包含所有中间件的配置。
type MiddlewareConfig struct {
	RateLimiter    RateLimiterConfig    `yaml:"rateLimiter"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// RateLimiterConfig 定义了按客户端限流的令牌桶配置。
type RateLimiterConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Rate     float64 `yaml:"rate"` // 每秒速率
	Capacity int     `yaml:"capacity"`
}

// CircuitBreakerConfig 定义了熔断器的配置。
type CircuitBreakerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	FailureThreshold uint32   `yaml:"failureThreshold"`
	SuccessThreshold uint32   `yaml:"successThreshold"`
	Timeout          Duration `yaml:"timeout"` // 例如: "30s"
}

// AppConfig 是整个 YAML 文件的根结构，包含了应用程序的所有配置。
type AppConfig struct {
	App          AppInfo            `yaml:"app"`          // 应用程序信息
	Logger       LoggerConfig       `yaml:"logger"`       // 日志记录器配置
	Server       ServerConfig       `yaml:"server"`       // HTTP 服务配置
	Orchestrator OrchestratorConfig `yaml:"orchestrator"` // 调度配置
	Reaper       ReaperConfig       `yaml:"reaper"`       // 清理配置
	Pipeline     PipelineConfig     `yaml:"pipeline"`     // 流水线配置
	Storage      StorageConfig      `yaml:"storage"`      // 上传存储配置
	Publisher    PublisherConfig    `yaml:"publisher"`    // 产物发布配置
	Notifier     NotifierConfig     `yaml:"notifier"`     // 通知配置
	Persistence  PersistenceConfig  `yaml:"persistence"`  // 状态同步配置
	Ingest       IngestConfig       `yaml:"ingest"`       // Kafka 提交入口配置
	Discovery    DiscoveryConfig    `yaml:"discovery"`    // 服务注册配置
	Databases    DatabaseConfigs    `yaml:"databases"`    // 数据库配置
	Middleware   MiddlewareConfig   `yaml:"middleware"`   // 中间件配置
}

// LoadConfig 函数从指定路径加载并解析 YAML 配置文件。
//
// 参数:
//
//	path: YAML 配置文件的路径。
//
// 返回值:
//
//	*AppConfig: 解析后并填充了默认值的应用程序配置结构体。
//	error: 如果文件读取、解析或校验失败，则返回错误。
func LoadConfig(path string) (*AppConfig, error) {
	// 读取 YAML 文件内容。
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("无法读取 YAML 文件 '%s': %w", path, err)
	}
	return Parse(yamlFile)
}

// Parse 解析 YAML 内容，填充默认值并校验。
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 文件失败: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只包含默认值的配置。
func Default() *AppConfig {
	var cfg AppConfig
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults 为未设置的字段填充默认值。
func (c *AppConfig) ApplyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "scenegen"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":3080"
	}
	if c.Server.PublicURL == "" {
		host := c.Server.Address
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		c.Server.PublicURL = "http://" + host
	}
	if c.Server.ShutdownTimeout.Duration == 0 {
		c.Server.ShutdownTimeout = D(5 * time.Second)
	}
	if c.Orchestrator.MaxConcurrentTasks < 1 {
		c.Orchestrator.MaxConcurrentTasks = 2
	}
	if c.Orchestrator.PublishTimeout.Duration == 0 {
		c.Orchestrator.PublishTimeout = D(5 * time.Minute)
	}
	if c.Reaper.Retention.Duration == 0 {
		c.Reaper.Retention = D(24 * time.Hour)
	}
	if c.Reaper.Interval.Duration == 0 {
		c.Reaper.Interval = D(time.Hour)
	}
	p := &c.Pipeline
	if p.AssetsDir == "" {
		p.AssetsDir = "assets"
	}
	if p.OutputDir == "" {
		p.OutputDir = "output"
	}
	if p.Dataset == "" {
		p.Dataset = "custom"
	}
	if p.FFmpegBin == "" {
		p.FFmpegBin = "ffmpeg"
	}
	if p.FrameRate <= 0 {
		p.FrameRate = 2
	}
	if p.MaxFrames <= 0 {
		p.MaxFrames = 120
	}
	if p.Iterations <= 0 {
		p.Iterations = 1000
	}
	if len(p.InitCommand) == 0 {
		p.InitCommand = []string{"python", "-W", "ignore", "./init_geo.py",
			"-s", "{source}", "-m", "{model}", "--n_views", "{n_views}",
			"--focal_avg", "--co_vis_dsp", "--conf_aware_ranking", "--infer_video"}
	}
	if len(p.TrainCommand) == 0 {
		p.TrainCommand = []string{"python", "./train.py",
			"-s", "{source}", "-m", "{model}", "-r", "1", "--n_views", "{n_views}",
			"--iterations", "{iterations}", "--pp_optimizer", "--optim_pose"}
	}
	if len(p.RenderCommand) == 0 {
		p.RenderCommand = []string{"python", "./render.py",
			"-s", "{source}", "-m", "{model}", "-r", "1", "--n_views", "{n_views}",
			"--iterations", "{iterations}", "--infer_video"}
	}
	if p.InitTimeout.Duration == 0 {
		p.InitTimeout = D(300 * time.Second)
	}
	if p.TrainTimeout.Duration == 0 {
		p.TrainTimeout = D(1800 * time.Second)
	}
	if p.RenderTimeout.Duration == 0 {
		p.RenderTimeout = D(600 * time.Second)
	}
	if p.ExtractTimeout.Duration == 0 {
		p.ExtractTimeout = D(300 * time.Second)
	}
	s := &c.Storage
	if s.UploadDir == "" {
		s.UploadDir = "uploads"
	}
	if s.MaxFileSize <= 0 {
		s.MaxFileSize = 500 * 1024 * 1024
	}
	if s.MaxImageSize <= 0 {
		s.MaxImageSize = 100 * 1024 * 1024
	}
	if len(s.VideoExtensions) == 0 {
		s.VideoExtensions = []string{".mp4", ".mov", ".avi"}
	}
	if len(s.ImageExtensions) == 0 {
		s.ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".tiff", ".webp"}
	}
	if c.Publisher.Prefix == "" {
		c.Publisher.Prefix = "models"
	}
	if c.Publisher.PresignExpiry.Duration == 0 {
		c.Publisher.PresignExpiry = D(7 * 24 * time.Hour)
	}
	if c.Notifier.Timeout.Duration == 0 {
		c.Notifier.Timeout = D(30 * time.Second)
	}
	ps := &c.Persistence
	if ps.Workers <= 0 {
		ps.Workers = 2
	}
	if ps.CallTimeout.Duration == 0 {
		ps.CallTimeout = D(10 * time.Second)
	}
	if ps.MaxBackoff.Duration == 0 {
		ps.MaxBackoff = D(time.Minute)
	}
	if ps.RedisTTL.Duration == 0 {
		ps.RedisTTL = D(24 * time.Hour)
	}
	if ps.Mongo.Target == "" {
		ps.Mongo.Target = "projects"
	}
	if ps.MySQL.Target == "" {
		ps.MySQL.Target = "reconstruction_projects"
	}
	if ps.Redis.Target == "" {
		ps.Redis.Target = "task:status:"
	}
	if ps.Kafka.Target == "" {
		ps.Kafka.Target = "reconstruction_events"
	}
	if c.Ingest.Topic == "" {
		c.Ingest.Topic = "reconstruction_requests"
	}
	if c.Ingest.GroupID == "" {
		c.Ingest.GroupID = "reconstruction-ingest-group"
	}
	if c.Discovery.ServiceName == "" {
		c.Discovery.ServiceName = "scenegen/reconstruction"
	}
	if c.Discovery.TTL <= 0 {
		c.Discovery.TTL = 10
	}
	rl := &c.Middleware.RateLimiter
	if rl.Rate <= 0 {
		rl.Rate = 1
	}
	if rl.Capacity <= 0 {
		rl.Capacity = 10
	}
	cb := &c.Middleware.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.SuccessThreshold == 0 {
		cb.SuccessThreshold = 1
	}
	if cb.Timeout.Duration == 0 {
		cb.Timeout = D(30 * time.Second)
	}
}

// Validate 检查相互依赖的配置项。
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Discovery.Enabled && len(c.Discovery.Endpoints) == 0 {
		errs = append(errs, errors.New("discovery 已启用但未配置 endpoints"))
	}
	if c.Publisher.Enabled && c.Databases.MinIO.Endpoint == "" {
		errs = append(errs, errors.New("publisher 已启用但未配置 databases.minio.endpoint"))
	}
	if c.Notifier.Enabled && c.Notifier.URL == "" {
		errs = append(errs, errors.New("notifier 已启用但未配置 url"))
	}
	if c.Persistence.Mongo.Enabled && c.Databases.MongoDB.Address == "" {
		errs = append(errs, errors.New("persistence.mongo 已启用但未配置 databases.mongodb.address"))
	}
	if c.Persistence.MySQL.Enabled && c.Databases.MySQL.Address == "" {
		errs = append(errs, errors.New("persistence.mysql 已启用但未配置 databases.mysql.address"))
	}
	if c.Persistence.Redis.Enabled && c.Databases.Redis.Address == "" {
		errs = append(errs, errors.New("persistence.redis 已启用但未配置 databases.redis.address"))
	}
	if (c.Persistence.Kafka.Enabled || c.Ingest.Enabled) && len(c.Databases.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka 已启用但未配置 databases.kafka.brokers"))
	}
	if c.Orchestrator.MaxConcurrentTasks < 1 {
		errs = append(errs, errors.New("orchestrator.maxConcurrentTasks 必须大于 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("配置校验失败: %w", errors.Join(errs...))
	}
	return nil
}
