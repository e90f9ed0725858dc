package models

type Document struct {
	BaseModel
	Name     string `json:"name" validate:"required"`
	Category string `json:"category" validate:"required,document_category"`
	UserID   uint   `json:"user_id" gorm:"not null;index"`
}

var DocumentCategoryNameMap = map[string]bool{
	LEGAL_CATEGORY:     true,
	EMERGENCY_CATEGORY: true,
	FINANCIAL_CATEGORY: true,
	MEDICAL_CATEGORY:   true,
	INSURANCE_CATEGORY: true,
	PROPERTY_CATEGORY:  true,
	PERSONAL_CATEGORY:  true,
}

func CreateDocument(document *Document) error {
	return db.Create(document).Error
}

func DeleteDocument(userID, id interface{}) error {
	return db.Where("user_id = ?", userID).Delete(&Document{}, id).Error
}

func FetchDocuments(userID interface{}, page int) ([]Document, *Paging, error) {
	var total int64
	documents := []Document{}

	err := db.Model(&Document{}).Where("user_id = ?", userID).Count(&total).Error
	if err != nil {
		return nil, nil, err
	}

	err = db.Scopes(paginate(page, MAX_PAGE_SIZE)).
		Where("user_id = ?", userID).Order("documents.id").Find(&documents).Error
	if err != nil {
		return nil, nil, err
	}

	return documents, newPaging(int64(page), MAX_PAGE_SIZE, total), nil
}

// DocumentIDsInCategories resolves the accessible-document snapshot for an
// access level: every document the user filed under one of the categories.
func DocumentIDsInCategories(userID interface{}, categories []string) ([]uint, error) {
	ids := []uint{}

	err := db.Model(&Document{}).
		Where("user_id = ? AND category IN ?", userID, categories).
		Order("id").Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}

	return ids, nil
}

func FindDocumentsByIDs(ids []uint) ([]Document, error) {
	documents := []Document{}

	err := db.Where("id IN ?", ids).Order("id").Find(&documents).Error
	if err != nil {
		return nil, err
	}

	return documents, nil
}
