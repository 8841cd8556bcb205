// Package gcalnotify relays Google Calendar event changes to chat.
//
// gcalnotify receives Google Calendar push notifications, fetches the events
// changed since the last stored sync token, classifies each one as created,
// updated or cancelled, and posts a message per change to Discord (or sends
// it to Amazon EventBridge or a local file).
//
// # Architecture
//
// The package consists of these components:
//
//   - [App]: Routes push notifications to calendars and runs sync cycles
//   - [Storage]: One sync cursor per calendar with versioned writes (DynamoDB or file-based)
//   - [ChangeFetcher]: Full and incremental event listings via the Calendar API
//   - [Classifier]: Decides what happened to each changed event
//   - [Dispatcher]: Renders messages, applies the route filter and hands them to a [Notification]
//
// # Usage
//
// For CLI usage, create a [CLI] instance and call Run:
//
//	var cli gcalnotify.CLI
//	ctx := context.Background()
//	exitCode := cli.Run(ctx)
//
// For programmatic usage, create an [App] instance:
//
//	env, _ := gcalnotify.NewCELEnv()
//	routes, _ := gcalnotify.LoadCalendarsConfig(ctx, "calendars.yaml", env)
//	storage, _ := gcalnotify.NewStorage(ctx, storageOption)
//	notification, _ := gcalnotify.NewNotification(ctx, notificationOption)
//	app, _ := gcalnotify.New(appOption, storage, notification, routes)
//	defer app.Close()
//
// # Sync cycles
//
// A push notification with X-Goog-Resource-State "sync" lists the calendar
// from scratch and stores the resulting sync token. Any other notification
// lists the changes since the stored token, stores the next token and only
// then notifies, so a failed fetch never moves the cursor and a failed
// notification never blocks the others. An expired token (HTTP 410) is
// replaced without notifying anything.
//
// # Deployment Modes
//
// The webhook server runs locally or on AWS Lambda with a Function URL or
// API Gateway (via [github.com/fujiwara/ridge]).
package gcalnotify
