// Package automation provides the greenhouse rule engine.
//
// A rule binds a trigger to an on/off action on one relay. Sensor rules
// compare one measurement of each incoming reading against a threshold;
// time rules match a wall-clock minute on selected weekdays.
//
// Architecture:
//
//	┌──────────────────────────────────────────────────────┐
//	│                 Engine (engine.go)                    │
//	│  ┌──────────────┐   ┌───────────────┐                │
//	│  │  Repository  │   │   Evaluator   │                │
//	│  │(repository.go)│  │(evaluator.go) │                │
//	│  └──────────────┘   └───────────────┘                │
//	│         │                                             │
//	│         ▼                                             │
//	│  ┌────────────────────────────────────────────┐      │
//	│  │  Evaluation Pass                            │      │
//	│  │  1. Load enabled rules of one type (fresh)  │      │
//	│  │  2. Evaluate each independently, in order   │      │
//	│  │  3. On match, append a relay transition     │      │
//	│  │  4. Log and skip failures, keep going       │      │
//	│  └────────────────────────────────────────────┘      │
//	└──────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Rule: trigger plus action for one relay
//   - Engine: OnSensorReading and OnClockTick passes
//   - Scheduler: drives OnClockTick once per minute
//   - Manager: rule CRUD with validation, audit, and broadcast
//
// # Usage
//
//	repo := automation.NewSQLiteRepository(db)
//	engine := automation.NewEngine(repo, relays, automation.WithLocation(loc))
//	scheduler := automation.NewScheduler(engine, time.Minute, log)
//	go scheduler.Run(ctx)
//
//	res := engine.OnSensorReading(ctx, reading)
package automation
