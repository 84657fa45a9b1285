// Package config holds the run configuration of the ingestion job.
//
// A single Config is decoded from YAML (with ${VAR_NAME} environment
// substitution), completed with defaults and validated once at start-up.
// Components receive the parts they need through their constructors; there
// is no package-level configuration state.
//
// # Usage
//
//	cfg, err := config.Load("facebook.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fields, ok := cfg.Fields(models.ResourceAd)
//
// Scheduled runs keep the file in the code bucket and read it with
// LoadFromStore.
//
// # Field schemas
//
// field_keys maps every resource type to an ordered list of fields. Each
// entry is a bare name or a {name, rule} mapping; see FieldSpec.
package config
