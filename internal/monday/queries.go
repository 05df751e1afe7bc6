package monday

import (
	"github.com/goccy/go-json"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/models"
)

const itemFields = `id name board { id } column_values { id text value type column { title } }`

const (
	queryItemsByID = `query ($ids: [ID!]) { items(ids: $ids) { ` + itemFields + ` } }`

	queryItemExists = `query ($ids: [ID!]) { items(ids: $ids) { id } }`

	queryItemColumn = `query ($ids: [ID!], $columnIds: [String!]) {
  items(ids: $ids) { id column_values(ids: $columnIds) { id text } }
}`

	queryItemsByColumnValue = `query ($boardId: ID!, $columnId: String!, $value: String!) {
  items_page_by_column_values(limit: 1, board_id: $boardId, columns: [{column_id: $columnId, column_values: [$value]}]) {
    items { ` + itemFields + ` }
  }
}`

	queryBoardScan = `query ($boardIds: [ID!], $limit: Int!) {
  boards(ids: $boardIds) { items_page(limit: $limit) { items { ` + itemFields + ` } } }
}`

	mutationCreateUpdate = `mutation ($itemId: ID!, $body: String!) {
  create_update(item_id: $itemId, body: $body) { id }
}`

	mutationChangeSimpleValue = `mutation ($boardId: ID!, $itemId: ID!, $columnId: String!, $value: String!) {
  change_simple_column_value(board_id: $boardId, item_id: $itemId, column_id: $columnId, value: $value) { id }
}`
)

type gqlColumn struct {
	ID     string  `json:"id"`
	Text   *string `json:"text"`
	Value  *string `json:"value"`
	Type   string  `json:"type"`
	Column *struct {
		Title string `json:"title"`
	} `json:"column"`
}

type gqlItem struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Board *struct {
		ID string `json:"id"`
	} `json:"board"`
	ColumnValues []gqlColumn `json:"column_values"`
}

func (g gqlItem) toModel() models.Item {
	item := models.Item{ID: g.ID, Name: g.Name}
	if g.Board != nil {
		item.BoardID = g.Board.ID
	}
	for _, c := range g.ColumnValues {
		col := models.Column{ID: c.ID, Type: c.Type}
		if c.Text != nil {
			col.Text = *c.Text
		}
		if c.Value != nil {
			col.Value = *c.Value
		}
		if c.Column != nil {
			col.Title = c.Column.Title
		}
		item.Columns = append(item.Columns, col)
	}
	return item
}

func decodeItems(data json.RawMessage) ([]gqlItem, error) {
	var out struct {
		Items []gqlItem `json:"items"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}
