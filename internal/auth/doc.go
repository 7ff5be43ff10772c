// Package auth admits connections to the real-time channel.
//
// Two roles exist. A device is a physical controller that executes relay
// commands; an observer is any dashboard or tool that watches state and
// issues operator commands. Devices present a shared token (plaintext or
// Argon2id-hashed in configuration) or a device JWT. Observers present an
// observer JWT when the deployment requires one.
package auth
