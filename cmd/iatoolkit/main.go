package main

import (
	"github.com/iatoolkit/iatoolkit/internal/api"
	"github.com/iatoolkit/iatoolkit/internal/chat"
	"github.com/iatoolkit/iatoolkit/internal/metering"
	"github.com/iatoolkit/iatoolkit/internal/retrieval"
	"github.com/iatoolkit/iatoolkit/internal/tenant"
	"github.com/iatoolkit/iatoolkit/internal/tools"
	"github.com/iatoolkit/iatoolkit/pkg/config"
	"github.com/iatoolkit/iatoolkit/pkg/database"
	"github.com/iatoolkit/iatoolkit/pkg/llm"
	"github.com/iatoolkit/iatoolkit/pkg/logging"
	"github.com/iatoolkit/iatoolkit/pkg/monitoring"
	"github.com/iatoolkit/iatoolkit/pkg/search"
	"github.com/iatoolkit/iatoolkit/pkg/server"
)

func main() {
	logger := logging.NewLoggerWithService("iatoolkit")

	config.LoadEnv(logger)

	dbConfig := database.DefaultConfig()
	dbConfig.URL = config.GetEnv("DATABASE_URL", "")
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	healthChecker := monitoring.NewHealthChecker("iatoolkit", "1.0.0")
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": config.GetEnv("DATABASE_URL", ""),
		"TENANTS_DIR":  config.GetEnv("TENANTS_DIR", ""),
	}))

	resolver, err := tenant.NewResolver(tenant.DirSource{
		Dir: config.GetEnv("TENANTS_DIR", "tenants"),
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load tenant catalog")
	}

	router := llm.NewRouter(llm.LoadRouterConfig())
	index := retrieval.NewIndex(retrieval.NewStore(db), llm.LoadEmbeddingConfig())

	dispatcher := tools.NewDispatcher(logger)
	sqlTool := tools.NewSQLTool(logger)
	dispatcher.Register(sqlTool.Definition())
	searchTool := tools.NewDocumentSearchTool(index)
	dispatcher.Register(searchTool.Definition())
	dispatcher.Register(searchTool.ImageDefinition())
	dispatcher.Register(tools.NewEmailTool(tools.NewSMTPEmailer()).Definition())

	searchProvider, err := search.NewProvider(search.LoadConfig())
	if err != nil {
		logger.WithError(err).Warn("Web search disabled: no usable search provider")
	} else {
		dispatcher.Register(tools.NewWebSearchTool(searchProvider).Definition())
	}

	interactionLog := metering.NewLog(db, logger)
	interactionLog.Start()
	defer interactionLog.Stop()

	engine := chat.NewEngine(chat.EngineConfig{
		Resolver:   resolver,
		Generator:  router,
		Dispatcher: dispatcher,
		Log:        interactionLog,
		Logger:     logger,
	})

	ginRouter := server.SetupRouter(logger, healthChecker)
	api.RegisterRoutes(ginRouter, api.NewHandler(engine, resolver, logger))

	serverConfig := server.DefaultConfig("iatoolkit", "18080")
	if err := server.Start(serverConfig, ginRouter, logger); err != nil {
		logger.WithError(err).Fatal("Server error")
	}
}
