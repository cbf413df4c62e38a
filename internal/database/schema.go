package database

const schema = `
CREATE TABLE IF NOT EXISTS balances (
    user_id BIGINT PRIMARY KEY,
    trial_remaining INT NOT NULL DEFAULT 0 CHECK (trial_remaining >= 0),
    token_balance INT NOT NULL DEFAULT 0 CHECK (token_balance >= 0),
    subscription_active BOOLEAN NOT NULL DEFAULT FALSE,
    seasonal_credits INT NOT NULL DEFAULT 0 CHECK (seasonal_credits >= 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS credit_transactions (
    id UUID PRIMARY KEY,
    user_id BIGINT NOT NULL,
    pool TEXT NOT NULL CHECK (pool IN ('subscription', 'trial', 'token', 'seasonal')),
    delta INT NOT NULL,
    reason TEXT NOT NULL CHECK (reason IN ('purchase', 'generation', 'refund', 'promo')),
    job_id UUID,
    related_tx_id UUID UNIQUE REFERENCES credit_transactions(id),
    external_event_id TEXT UNIQUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_user_pool
    ON credit_transactions (user_id, pool);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_job
    ON credit_transactions (job_id);

CREATE TABLE IF NOT EXISTS generation_jobs (
    id UUID PRIMARY KEY,
    user_id BIGINT NOT NULL,
    kind TEXT NOT NULL CHECK (kind IN ('landscape', 'holiday')),
    address TEXT NOT NULL,
    style TEXT NOT NULL,
    custom_prompt TEXT,
    areas TEXT[] NOT NULL,
    payment_pool TEXT,
    status TEXT NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'partial', 'failed')),
    error_message TEXT,
    area_results JSONB NOT NULL DEFAULT '[]'::jsonb,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_generation_jobs_user_created
    ON generation_jobs (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS payments (
    id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    user_id BIGINT NOT NULL,
    plan_id BIGINT,
    provider TEXT NOT NULL,
    provider_event_id TEXT,
    currency TEXT NOT NULL,
    amount INT NOT NULL,
    status TEXT NOT NULL,
    raw_payload TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (provider, provider_event_id)
);

CREATE TABLE IF NOT EXISTS pricing_plans (
    id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT,
    currency TEXT NOT NULL,
    price_minor_units INT NOT NULL,
    credits INT NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS share_grants (
    id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    user_id BIGINT NOT NULL,
    job_id UUID NOT NULL UNIQUE REFERENCES generation_jobs(id),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
