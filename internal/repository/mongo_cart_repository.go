package repository

import (
	"context"
	"fmt"

	d "github.com/fjod/course_cart/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CartRepository stores one document per cart item so the (user_id,
// course_id) uniqueness can be a plain unique index.
type CartRepository struct {
	collection *mongo.Collection
}

func NewCartRepository(db *mongo.Database) *CartRepository {
	return &CartRepository{
		collection: db.Collection("cart_items"),
	}
}

func (m *CartRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "course_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_user_course"),
		},
		{
			Keys:    bson.D{{Key: "added_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(90 * 24 * 60 * 60), // 90 days TTL
		},
	}

	_, err := m.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// AddItem inserts the item; a second item for the same course is rejected
// by the unique index with ErrAlreadyInCart.
func (m *CartRepository) AddItem(ctx context.Context, item *d.CartItem) error {
	_, err := m.collection.InsertOne(ctx, item)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return d.ErrAlreadyInCart
		}
		return fmt.Errorf("failed to add cart item: %w", err)
	}
	return nil
}

func (m *CartRepository) RemoveItem(ctx context.Context, userID string, courseID int64) error {
	_, err := m.collection.DeleteOne(ctx, bson.M{"user_id": userID, "course_id": courseID})
	if err != nil {
		return fmt.Errorf("failed to remove cart item: %w", err)
	}
	return nil
}

func (m *CartRepository) RemoveItems(ctx context.Context, userID string, courseIDs []int64) (int64, error) {
	if len(courseIDs) == 0 {
		return 0, nil
	}
	res, err := m.collection.DeleteMany(ctx, bson.M{
		"user_id":   userID,
		"course_id": bson.M{"$in": courseIDs},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to remove cart items: %w", err)
	}
	return res.DeletedCount, nil
}

func (m *CartRepository) DeleteCart(ctx context.Context, userID string) (int64, error) {
	res, err := m.collection.DeleteMany(ctx, bson.M{"user_id": userID})
	if err != nil {
		return 0, fmt.Errorf("failed to delete cart: %w", err)
	}
	return res.DeletedCount, nil
}

func (m *CartRepository) ListItems(ctx context.Context, userID string) ([]d.CartItem, error) {
	opts := options.Find().SetSort(bson.D{{Key: "added_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := m.collection.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list cart items: %w", err)
	}

	items := []d.CartItem{}
	if err := cur.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("failed to decode cart items: %w", err)
	}
	return items, nil
}
