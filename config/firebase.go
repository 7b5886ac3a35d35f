package config

import (
	"context"

	firebase "firebase.google.com/go/v4"
)

// SetupFirebase creates the app from GOOGLE_APPLICATION_CREDENTIALS or the
// ambient credentials.
func SetupFirebase(ctx context.Context) (*firebase.App, error) {
	return firebase.NewApp(ctx, nil)
}
