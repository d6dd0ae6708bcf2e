// Package config загружает конфигурацию sfuphone из YAML файла,
// переменных окружения SFUPHONE_* и флагов командной строки.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/arzzra/sfu_phone/pkg/janus"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/media/pionrtc"
	"github.com/arzzra/sfu_phone/pkg/plugin"
	"github.com/arzzra/sfu_phone/pkg/session"
	"github.com/arzzra/sfu_phone/pkg/sipua"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "SFUPHONE"

type SIP struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Transport   string `mapstructure:"transport"`
	User        string `mapstructure:"user"`
	DisplayName string `mapstructure:"display_name"`
	UserAgent   string `mapstructure:"user_agent"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

type Session struct {
	NoAnswerTimeout   time.Duration `mapstructure:"no_answer_timeout"`
	SessionTimers     bool          `mapstructure:"session_timers"`
	SessionExpires    time.Duration `mapstructure:"session_expires"`
	MinSessionExpires time.Duration `mapstructure:"min_session_expires"`
	RefreshMethod     string        `mapstructure:"refresh_method"`
	T1                time.Duration `mapstructure:"t1"`
	T2                time.Duration `mapstructure:"t2"`
	TimerH            time.Duration `mapstructure:"timer_h"`
	ICETimeout        time.Duration `mapstructure:"ice_timeout"`
	DTMFDuration      time.Duration `mapstructure:"dtmf_duration"`
	DTMFGap           time.Duration `mapstructure:"dtmf_gap"`
}

type SFU struct {
	Plugin        string        `mapstructure:"plugin"`
	Room          uint64        `mapstructure:"room"`
	RecordingPath string        `mapstructure:"recording_path"`
	PublishAudio  bool          `mapstructure:"publish_audio"`
	PublishVideo  bool          `mapstructure:"publish_video"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type Media struct {
	ICEServers []pionrtc.ICEServer `mapstructure:"ice_servers"`
}

// Transform преобразование потока, оставляющее треки одного вида
type Transform struct {
	Name string `mapstructure:"name"`
	// Type video или screen
	Type string `mapstructure:"type"`
	// Keep audio или video
	Keep      string `mapstructure:"keep"`
	Immediate bool   `mapstructure:"immediate"`
}

type Plugins struct {
	Transforms []Transform `mapstructure:"transforms"`
}

type Log struct {
	Level string `mapstructure:"level"`
	// Format console или json
	Format string `mapstructure:"format"`
	// File путь файла с ротацией; пустой - stderr
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type HTTP struct {
	Addr string `mapstructure:"addr"`
	Mode string `mapstructure:"mode"`
}

// Config конфигурация приложения
type Config struct {
	SIP     SIP     `mapstructure:"sip"`
	Session Session `mapstructure:"session"`
	SFU     SFU     `mapstructure:"sfu"`
	Media   Media   `mapstructure:"media"`
	Plugins Plugins `mapstructure:"plugins"`
	Log     Log     `mapstructure:"log"`
	HTTP    HTTP    `mapstructure:"http"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sip.host", "127.0.0.1")
	v.SetDefault("sip.port", 5060)
	v.SetDefault("sip.transport", "udp")
	v.SetDefault("sip.user", "sfuphone")
	v.SetDefault("sip.user_agent", "sfuphone")

	v.SetDefault("session.no_answer_timeout", session.DefaultNoAnswerTimeout)
	v.SetDefault("session.session_timers", true)
	v.SetDefault("session.session_expires", "90s")
	v.SetDefault("session.min_session_expires", "90s")
	v.SetDefault("session.refresh_method", session.RefreshUpdate)
	v.SetDefault("session.ice_timeout", session.DefaultICETimeout)
	v.SetDefault("session.dtmf_duration", session.DefaultDTMFDuration)
	v.SetDefault("session.dtmf_gap", session.DefaultDTMFGap)

	v.SetDefault("sfu.plugin", janus.DefaultPlugin)
	v.SetDefault("sfu.publish_audio", true)
	v.SetDefault("sfu.publish_video", false)
	v.SetDefault("sfu.timeout", "10s")

	v.SetDefault("media.ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})

	v.SetDefault("plugins.transforms", []map[string]any{
		{"name": "AudioOnly", "type": plugin.TypeVideo, "keep": string(media.KindAudio)},
	})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.mode", "release")
}

// Flags регистрирует флаги, переопределяющие значения конфигурации
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "путь к YAML файлу конфигурации")
	fs.String("sip.host", "", "адрес SIP агента")
	fs.Int("sip.port", 0, "порт SIP агента")
	fs.String("sip.transport", "", "транспорт SIP: udp, tcp или ws")
	fs.String("sip.user", "", "пользователь в From и Contact")
	fs.String("sfu.plugin", "", "плагин SFU")
	fs.Uint64("sfu.room", 0, "комната конференции по умолчанию")
	fs.String("log.level", "", "уровень логирования")
	fs.String("log.format", "", "формат логов: console или json")
	fs.String("http.addr", "", "адрес HTTP API")
}

// Load читает конфигурацию. Порядок приоритета: флаги, окружение,
// файл, значения по умолчанию. fs может быть nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		// незаданные флаги не перекрывают файл и окружение
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || !f.Changed {
				return
			}
			_ = v.BindPFlag(f.Name, f)
		})
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, errors.Wrapf(err, "read config %s", f.Value.String())
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет значения, которые ядро не исправляет само
func (c *Config) Validate() error {
	switch strings.ToLower(c.SIP.Transport) {
	case sipua.TransportUDP, sipua.TransportTCP, sipua.TransportWS:
	default:
		return errors.Errorf("sip.transport: unsupported %q", c.SIP.Transport)
	}
	if c.SIP.Port <= 0 || c.SIP.Port > 65535 {
		return errors.Errorf("sip.port: out of range %d", c.SIP.Port)
	}
	switch c.Session.RefreshMethod {
	case session.RefreshUpdate, session.RefreshReinvite:
	default:
		return errors.Errorf("session.refresh_method: must be %s or %s", session.RefreshUpdate, session.RefreshReinvite)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return c.validateTransforms()
}

func (c *Config) validateTransforms() error {
	seen := map[string]bool{plugin.ScreenShareName: true}
	for i, t := range c.Plugins.Transforms {
		if t.Name == "" {
			return errors.Errorf("plugins.transforms[%d]: empty name", i)
		}
		if seen[t.Name] {
			return errors.Errorf("plugins.transforms[%d]: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = true
		switch t.Type {
		case "", plugin.TypeVideo, plugin.TypeScreen:
		default:
			return errors.Errorf("plugins.transforms[%d]: unsupported type %q", i, t.Type)
		}
		switch media.Kind(t.Keep) {
		case media.KindAudio, media.KindVideo:
		default:
			return errors.Errorf("plugins.transforms[%d]: keep must be %s or %s", i, media.KindAudio, media.KindVideo)
		}
	}
	return nil
}

// Transforms создает преобразования потока для новой сессии. У каждой
// сессии свои экземпляры.
func (c *Config) Transforms() []plugin.StreamTransform {
	out := make([]plugin.StreamTransform, 0, len(c.Plugins.Transforms))
	for _, t := range c.Plugins.Transforms {
		out = append(out, plugin.NewKindFilter(t.Name, t.Type, media.Kind(t.Keep), t.Immediate))
	}
	return out
}

// LocalURI адрес локального пользователя
func (c *Config) LocalURI() string {
	return fmt.Sprintf("sip:%s@%s:%d", c.SIP.User, c.SIP.Host, c.SIP.Port)
}

// UAConfig параметры SIP агента
func (c *Config) UAConfig(log zerolog.Logger) sipua.Config {
	return sipua.Config{
		Host:      c.SIP.Host,
		Port:      c.SIP.Port,
		Transport: c.SIP.Transport,
		User:      c.SIP.User,
		UserAgent: c.SIP.UserAgent,
		Username:  c.SIP.Username,
		Password:  c.SIP.Password,
		Logger:    log,
	}
}

// MediaConfig параметры фабрики медиа соединений
func (c *Config) MediaConfig(log zerolog.Logger) pionrtc.Config {
	return pionrtc.Config{ICEServers: c.Media.ICEServers, Logger: log}
}

// SessionConfig параметры менеджера сессий. Транспорт, медиа и
// получатель событий заполняет вызывающий.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		LocalURI:          c.LocalURI(),
		DisplayName:       c.SIP.DisplayName,
		UserAgent:         c.SIP.UserAgent,
		T1:                c.Session.T1,
		T2:                c.Session.T2,
		TimerH:            c.Session.TimerH,
		NoAnswerTimeout:   c.Session.NoAnswerTimeout,
		ICETimeout:        c.Session.ICETimeout,
		SessionTimers:     c.Session.SessionTimers,
		SessionExpires:    c.Session.SessionExpires,
		MinSessionExpires: c.Session.MinSessionExpires,
		RefreshMethod:     c.Session.RefreshMethod,
		DTMFDuration:      c.Session.DTMFDuration,
		DTMFGap:           c.Session.DTMFGap,
		Plugin:            c.SFU.Plugin,
		Room:              c.SFU.Room,
		RecordingPath:     c.SFU.RecordingPath,
		SFUTimeout:        c.SFU.Timeout,
		Transforms:        c.Transforms,
	}
}

// CallDefaults параметры публикации по умолчанию для новых вызовов
func (c *Config) CallDefaults() session.CallOptions {
	return session.CallOptions{Audio: c.SFU.PublishAudio, Video: c.SFU.PublishVideo}
}
