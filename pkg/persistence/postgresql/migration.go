package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: initialSchema(),
		2: lookupIndexes(),
	}
}

func initialSchema() string {
	return `
		CREATE TABLE integrations (
			id VARCHAR(255) PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			platform VARCHAR(100) NOT NULL,
			status VARCHAR(50) NOT NULL DEFAULT 'done',
			settings JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			deleted_at TIMESTAMP WITH TIME ZONE
		);

		CREATE TABLE microservices (
			id VARCHAR(255) PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			type VARCHAR(100) NOT NULL,
			settings JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE TABLE integration_runs (
			id VARCHAR(255) PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			integration_id VARCHAR(255),
			microservice_id VARCHAR(255),
			onboarding BOOLEAN NOT NULL DEFAULT FALSE,
			state VARCHAR(50) NOT NULL,
			delayed_until TIMESTAMP WITH TIME ZONE,
			processed_at TIMESTAMP WITH TIME ZONE,
			error JSONB,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			CONSTRAINT integration_runs_one_target CHECK ((integration_id IS NULL) <> (microservice_id IS NULL))
		);

		CREATE TABLE integration_streams (
			id VARCHAR(255) PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL REFERENCES integration_runs(id) ON DELETE CASCADE,
			tenant_id VARCHAR(255) NOT NULL,
			integration_id VARCHAR(255),
			microservice_id VARCHAR(255),
			name TEXT NOT NULL,
			state VARCHAR(50) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			processed_at TIMESTAMP WITH TIME ZONE,
			error JSONB,
			retries INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE TABLE incoming_webhooks (
			id VARCHAR(255) PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			integration_id VARCHAR(255) NOT NULL,
			type VARCHAR(255) NOT NULL,
			state VARCHAR(50) NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			retries INTEGER NOT NULL DEFAULT 0,
			error JSONB,
			processed_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
	`
}

func lookupIndexes() string {
	return `
		CREATE INDEX idx_integrations_platform_status ON integrations(platform, status) WHERE deleted_at IS NULL;
		CREATE INDEX idx_microservices_type ON microservices(type);
		CREATE INDEX idx_runs_state_created_at ON integration_runs(state, created_at DESC, id DESC);
		CREATE INDEX idx_runs_integration_created_at ON integration_runs(integration_id, created_at DESC);
		CREATE INDEX idx_runs_microservice_created_at ON integration_runs(microservice_id, created_at DESC);
		CREATE INDEX idx_runs_delayed_until ON integration_runs(delayed_until) WHERE state = 'delayed';
		CREATE INDEX idx_streams_run_state ON integration_streams(run_id, state, created_at, id);
		CREATE INDEX idx_webhooks_state_created_at ON incoming_webhooks(state, created_at);
		CREATE INDEX idx_webhooks_integration ON incoming_webhooks(integration_id);
	`
}
