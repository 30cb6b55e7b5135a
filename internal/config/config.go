package config

import (
	"strings"
	"time"

	"github.com/hqnguyen/devguard/params"
	"github.com/spf13/viper"
)

const (
	DefaultListenAddr = ":3000"
)

type MySQLConfig struct {
	Dsn             string `mapstructure:"dsn"`
	TablePrefix     string `mapstructure:"tablePrefix"`
	MaxIdleConns    int    `mapstructure:"maxIdleConns"`
	MaxOpenConns    int    `mapstructure:"maxOpenConns"`
	ConnMaxIdleTime int    `mapstructure:"connMaxIdleTime"`
	ConnMaxLifetime int    `mapstructure:"connMaxLifetime"`
}

type RedisConfig struct {
	URL         string `mapstructure:"url"`
	PoolSize    int    `mapstructure:"poolSize"`
	ClusterMode bool   `mapstructure:"clusterMode"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	TLS      bool   `mapstructure:"tls"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
	CAFile   string `mapstructure:"caFile"`
}

type MailConfig struct {
	Backend string     `mapstructure:"backend"`
	From    string     `mapstructure:"from"`
	SMTP    SMTPConfig `mapstructure:"smtp"`
}

// GuardConfig is the authorization-core surface: path classification
// lists, anomaly thresholds and lifecycle windows.
type GuardConfig struct {
	ExemptPaths       []string      `mapstructure:"exemptPaths"`
	RestrictedPaths   []string      `mapstructure:"restrictedPaths"`
	HighSecurityPaths []string      `mapstructure:"highSecurityPaths"`
	ProtectRootPath   *bool         `mapstructure:"protectRootPath"`
	EnrollPath        string        `mapstructure:"enrollPath"`
	CookieName        string        `mapstructure:"cookieName"`
	AdminRole         string        `mapstructure:"adminRole"`
	VelocityLimit     int           `mapstructure:"velocityLimit"`
	RiskThreshold     int           `mapstructure:"riskThreshold"`
	LockoutThreshold  int           `mapstructure:"lockoutThreshold"`
	LockoutDuration   time.Duration `mapstructure:"lockoutDuration"`
	DeviceExpiry      time.Duration `mapstructure:"deviceExpiry"`
	ChallengeTTL      time.Duration `mapstructure:"challengeTTL"`
	OTPMaxSends       int           `mapstructure:"otpMaxSends"`
	OTPSendWindow     time.Duration `mapstructure:"otpSendWindow"`
	ExpirySweep       time.Duration `mapstructure:"expirySweep"`
}

type CAConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SessionConfig struct {
	JWTSecret  string `mapstructure:"jwtSecret"`
	HeaderName string `mapstructure:"headerName"`
}

type Config struct {
	Debug        bool          `mapstructure:"debug"`
	SiteName     string        `mapstructure:"siteName"`
	BaseURL      string        `mapstructure:"baseURL"`
	MasterKey    string        `mapstructure:"masterKey"`
	ListenAddr   string        `mapstructure:"listenAddr"`
	TemplateDir  string        `mapstructure:"templateDir"`
	AllowOrigins []string      `mapstructure:"allowOrigins"`
	Redis        RedisConfig   `mapstructure:"redis"`
	Mail         MailConfig    `mapstructure:"mail"`
	MySQL        MySQLConfig   `mapstructure:"mysql"`
	Guard        GuardConfig   `mapstructure:"guard"`
	CA           CAConfig      `mapstructure:"ca"`
	Session      SessionConfig `mapstructure:"session"`
}

func (c *Config) Sanitize() error {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	g := &c.Guard
	if g.EnrollPath == "" {
		g.EnrollPath = "/device/enroll"
	}
	if g.CookieName == "" {
		g.CookieName = params.DeviceTokenCookieName
	}
	if g.AdminRole == "" {
		g.AdminRole = "device-admin"
	}
	if len(g.ExemptPaths) == 0 {
		// the enrollment flow must stay reachable from unregistered devices
		g.ExemptPaths = []string{"/api/v1/device/", g.EnrollPath}
	}
	if g.ProtectRootPath == nil {
		// everything unmatched is HIGH_SECURITY unless running in debug mode
		protect := !c.Debug
		g.ProtectRootPath = &protect
	}
	if g.VelocityLimit == 0 {
		g.VelocityLimit = params.DefaultVelocityLimit
	}
	if g.RiskThreshold == 0 {
		g.RiskThreshold = params.DefaultRiskThreshold
	}
	if g.LockoutThreshold == 0 {
		g.LockoutThreshold = params.DefaultLockoutThreshold
	}
	if g.LockoutDuration == 0 {
		g.LockoutDuration = params.DefaultLockoutDuration
	}
	if g.DeviceExpiry == 0 {
		g.DeviceExpiry = params.DefaultDeviceExpiry
	}
	if g.ChallengeTTL == 0 {
		g.ChallengeTTL = params.MFAChallengeExpiration
	}
	if g.OTPMaxSends == 0 {
		g.OTPMaxSends = params.DefaultOTPMaxSends
	}
	if g.OTPSendWindow == 0 {
		g.OTPSendWindow = params.DefaultOTPSendWindow
	}
	if g.ExpirySweep == 0 {
		g.ExpirySweep = time.Hour
	}
	if c.CA.Timeout == 0 {
		c.CA.Timeout = 10 * time.Second
	}
	return nil
}

func LoadConfig(filename string) (*Config, error) {
	viper.SetConfigFile(filename)
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Sanitize(); err != nil {
		return nil, err
	}
	return &config, nil
}
