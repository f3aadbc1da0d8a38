package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/jihanki-shop/jihanki/internal/domain/shop"
)

type ItemRepository struct {
	mu    sync.RWMutex
	items map[string]*shop.Item
}

func NewItemRepository() *ItemRepository {
	return &ItemRepository{
		items: make(map[string]*shop.Item),
	}
}

func (r *ItemRepository) Get(ctx context.Context, id string) (*shop.Item, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[id]
	if !ok {
		return nil, shop.ErrItemNotFound
	}
	return cloneItem(item), nil
}

func (r *ItemRepository) Save(ctx context.Context, item *shop.Item) error {
	_ = ctx
	if item == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[item.ID] = cloneItem(item)
	return nil
}

func (r *ItemRepository) UpdateStock(ctx context.Context, id string, newStock int) error {
	_ = ctx
	if newStock < 0 {
		return shop.ErrInvalidQuantity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return shop.ErrItemNotFound
	}
	item.Stock = newStock
	return nil
}

func (r *ItemRepository) ListActive(ctx context.Context) ([]*shop.Item, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*shop.Item, 0, len(r.items))
	for _, item := range r.items {
		if item.IsActive {
			out = append(out, cloneItem(item))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneItem(item *shop.Item) *shop.Item {
	if item == nil {
		return nil
	}
	clone := *item
	return &clone
}
