package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Name       string     `yaml:"name" json:"name" env:"APP_NAME" env-default:"zensbpm"` // used for OTEL as an application identifier
	HttpServer HttpServer `yaml:"server" json:"server"`                                  // configuration of the public REST server
	Tracing    Tracing    `yaml:"tracing" json:"tracing"`
	Engine     Engine     `yaml:"engine" json:"engine"`
	// Users is the static user-to-roles table of the built-in directory;
	// deployments with an identity backend leave it empty
	Users map[string][]string `yaml:"users" json:"users"`
}

type HttpServer struct {
	Context string `yaml:"context" json:"context" env:"REST_API_CONTEXT" env-default:"/"`
	Addr    string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"TRACING_ENABLED"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"TRACING_ENDPOINT"`
	Name     string `yaml:"name" json:"name" env:"TRACING_NAME"`
	// TransferHeaders are copied from incoming requests into span attributes
	TransferHeaders []string `yaml:"transferHeaders" json:"transferHeaders"`
}

type Engine struct {
	ModelCacheSize int    `yaml:"modelCacheSize" json:"modelCacheSize" env:"ENGINE_MODEL_CACHE_SIZE" env-default:"128"`
	ScriptPoolMin  int    `yaml:"scriptPoolMin" json:"scriptPoolMin" env:"ENGINE_SCRIPT_POOL_MIN" env-default:"1"`
	ScriptPoolMax  int    `yaml:"scriptPoolMax" json:"scriptPoolMax" env:"ENGINE_SCRIPT_POOL_MAX" env-default:"10"`
	ModelsDir      string `yaml:"modelsDir" json:"modelsDir" env:"ENGINE_MODELS_DIR"` // models published on startup
}

func (c Config) defaults() Config {
	if c.Tracing.Name == "" {
		c.Tracing.Name = c.Name
	}
	return c
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c.defaults()
}
