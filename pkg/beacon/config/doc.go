/*
Package config loads beacon client configuration.

# Documents

Config wraps a decoded document (map[string]any) and offers typed accessors
that fall back to a default instead of failing:

	cfg := config.New(map[string]any{
	    "retry_delay": "45s",
	    "batch_mode":  true,
	})

	delay := cfg.Duration("retry_delay", 30*time.Second) // 45s
	size := cfg.Int("max_queue_size", 20)               // 20

Durations accept Go duration strings or a number of seconds. Bools and ints
also accept their string forms, which is what environment overrides
produce.

# Files

FromFile picks a parser from the extension:

  - .yaml, .yml: YAML
  - .json: JSON
  - .jsonc: JSON with line and block comments and trailing commas

# Settings

Settings is the typed view a client is built from. FromConfig maps the
snake_case keys onto it and fills in Defaults; Validate reports every
problem in one error:

	s, err := config.Load("beacon.yaml")
	if err != nil {
	    var verrs bcerrors.ValidationErrors
	    if errors.As(err, &verrs) {
	        for _, v := range verrs {
	            log.Printf("%s: %s", v.Field, v.Message)
	        }
	    }
	}
*/
package config
