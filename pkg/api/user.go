package api

import (
	"context"
	"errors"
	"fmt"
)

type UserService interface {
	GetUser(ctx context.Context, userId string) (User, error)
	GetUserByIds(ctx context.Context, userIds []string) ([]User, error)
}

type UserRepository interface {
	GetUserByIds(ctx context.Context, userIds []string) ([]*UserModel, error)
}

type userService struct {
	storage UserRepository
}

func NewUserService(repository UserRepository) UserService {
	return &userService{storage: repository}
}

func (u userService) GetUser(ctx context.Context, userId string) (User, error) {
	if userId == "" {
		return User{}, fmt.Errorf("%w: user id is empty", ErrInvalidRequest)
	}

	users, err := u.GetUserByIds(ctx, []string{userId})
	if err != nil {
		return User{}, err
	}
	if len(users) == 0 {
		return User{}, fmt.Errorf("user %s: %w", userId, ErrNotFound)
	}

	return users[0], nil
}

func (u userService) GetUserByIds(ctx context.Context, userIds []string) ([]User, error) {
	if len(userIds) == 0 {
		return nil, errors.New("userId array is empty")
	}

	models, err := u.storage.GetUserByIds(ctx, userIds)
	if err != nil {
		return nil, err
	}

	users := make([]User, 0, len(models))
	for _, model := range models {
		users = append(users, model.ConvertToDTO())
	}

	return users, nil
}
