// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

// Package config loads Lateflow configuration with koanf v2.
//
// Sources are layered: built-in defaults, then an optional YAML file, then
// environment variables. Only variables listed in envMappings are read, so
// unrelated environment does not leak into the configuration.
//
// Example config.yaml:
//
//	lock:
//	  ttl: 5m
//	change_detection:
//	  entity_types:
//	    player_game:
//	      upstream_table: raw.player_boxscores
//	      downstream_table: analytics.player_game_summary
//	      key_column: player_id
//	      scope_column: game_date
//	      tracked_fields: [minutes, points, rebounds]
//	reconcile:
//	  max_attempts: 12
//	  datasets:
//	    props:
//	      table: raw.prop_lines
//	      key_column: player_id
//	      scope_column: game_date
//	      min_rows: 1
//	  default_dataset: props
//	  commit:
//	    mode: flag
//	    table: analytics.published_predictions
//	    key_column: player_id
//	    scope_column: game_date
//	    flag_column: is_final
package config
