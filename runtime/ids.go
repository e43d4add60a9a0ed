package runtime

import "github.com/google/uuid"

func generateRunID() string {
	return uuid.NewString()
}
