package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/authkeeper/pkg/config"
)

func setenv(key, value string) {
	prev, had := os.LookupEnv(key)
	Expect(os.Setenv(key, value)).To(Succeed())
	DeferCleanup(func() {
		if had {
			os.Setenv(key, prev)
		} else {
			os.Unsetenv(key)
		}
	})
}

const sample = `
log_level = "debug"
http_timeout = "45s"

[oauth.google-gemini-cli]
client_id = "file-id"
client_secret = "file-secret"

[publisher.kafka]
brokers = ["localhost:9092"]
topic = "authkeeper.audit"
`

var _ = Describe("Config", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		for _, k := range []string{
			"AUTHKEEPER_GOOGLE_GEMINI_CLI_CLIENT_ID",
			"AUTHKEEPER_GOOGLE_GEMINI_CLI_CLIENT_SECRET",
			"AUTHKEEPER_GOOGLE_GEMINI_CLI_PROJECT_ID",
			"GOOGLE_CLOUD_PROJECT",
			"AUTHKEEPER_HTTP_TIMEOUT",
			"AUTHKEEPER_KAFKA_BROKERS",
			"AUTHKEEPER_KAFKA_TOPIC",
		} {
			setenv(k, "")
		}
	})

	Describe("Load", func() {
		It("returns an empty config when the file is missing", func() {
			cfg, err := config.Load(dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.LogLevel).To(BeEmpty())
			Expect(cfg.Timeout()).To(Equal(config.DefaultHTTPTimeout))
			Expect(cfg.KafkaPublisher()).To(BeNil())
		})

		It("decodes config.toml", func() {
			Expect(os.WriteFile(filepath.Join(dir, "config.toml"), []byte(sample), 0o600)).To(Succeed())

			cfg, err := config.Load(dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.LogLevel).To(Equal("debug"))
			Expect(cfg.Timeout()).To(Equal(45 * time.Second))
			Expect(cfg.Client("google-gemini-cli")).To(Equal(config.OAuthClient{
				ClientID:     "file-id",
				ClientSecret: "file-secret",
			}))

			k := cfg.KafkaPublisher()
			Expect(k).NotTo(BeNil())
			Expect(k.Brokers).To(ConsistOf("localhost:9092"))
			Expect(k.Topic).To(Equal("authkeeper.audit"))
		})

		It("rejects malformed files", func() {
			Expect(os.WriteFile(filepath.Join(dir, "config.toml"), []byte("log_level = "), 0o600)).To(Succeed())
			_, err := config.Load(dir)
			Expect(err).To(MatchError(ContainSubstring("parsing config")))
		})

		It("rejects bad durations", func() {
			Expect(os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`http_timeout = "soon"`), 0o600)).To(Succeed())
			_, err := config.Load(dir)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("environment overrides", func() {
		It("derives upper snake variable names", func() {
			Expect(config.EnvName("google-gemini-cli", "CLIENT_ID")).To(Equal("AUTHKEEPER_GOOGLE_GEMINI_CLI_CLIENT_ID"))
		})

		It("prefers the environment over the file", func() {
			cfg := &config.Config{OAuth: map[string]config.OAuthClient{
				"google-gemini-cli": {ClientID: "file-id", ClientSecret: "file-secret"},
			}}
			setenv("AUTHKEEPER_GOOGLE_GEMINI_CLI_CLIENT_ID", "env-id")
			setenv("AUTHKEEPER_GOOGLE_GEMINI_CLI_PROJECT_ID", "env-project")

			c := cfg.Client("google-gemini-cli")
			Expect(c.ClientID).To(Equal("env-id"))
			Expect(c.ClientSecret).To(Equal("file-secret"))
			Expect(c.ProjectID).To(Equal("env-project"))
		})

		It("falls back to GOOGLE_CLOUD_PROJECT", func() {
			setenv("GOOGLE_CLOUD_PROJECT", "gcp-project")
			var cfg *config.Config
			Expect(cfg.Client("google-antigravity").ProjectID).To(Equal("gcp-project"))
		})

		It("ignores invalid timeouts from the environment", func() {
			setenv("AUTHKEEPER_HTTP_TIMEOUT", "-3s")
			Expect((&config.Config{}).Timeout()).To(Equal(config.DefaultHTTPTimeout))

			setenv("AUTHKEEPER_HTTP_TIMEOUT", "2s")
			Expect((&config.Config{}).Timeout()).To(Equal(2 * time.Second))
		})

		It("configures kafka from the environment", func() {
			setenv("AUTHKEEPER_KAFKA_BROKERS", "a:9092, b:9092")
			setenv("AUTHKEEPER_KAFKA_TOPIC", "audit")

			k := (&config.Config{}).KafkaPublisher()
			Expect(k).NotTo(BeNil())
			Expect(k.Brokers).To(Equal([]string{"a:9092", "b:9092"}))
		})
	})
})
